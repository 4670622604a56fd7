package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

func newOp(id string, prio models.Priority, createdAt time.Time) *models.Operation {
	return &models.Operation{
		ID:        id,
		Kind:      models.OperationKindHealthCheck,
		Priority:  prio,
		Status:    models.OperationStatusQueued,
		Deadline:  time.Now().Add(time.Minute),
		CreatedAt: createdAt,
	}
}

func TestDequeueOrderByPriority(t *testing.T) {
	q := NewOperationQueue(0)
	now := time.Now()

	require.NoError(t, q.Enqueue(newOp("low", models.PriorityLow, now)))
	require.NoError(t, q.Enqueue(newOp("critical", models.PriorityCritical, now)))
	require.NoError(t, q.Enqueue(newOp("high", models.PriorityHigh, now)))

	assert.Equal(t, "critical", q.Dequeue().ID)
	assert.Equal(t, "high", q.Dequeue().ID)
	assert.Equal(t, "low", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}

func TestFIFOWithinPriority(t *testing.T) {
	q := NewOperationQueue(0)
	t1 := time.Now()
	t2 := t1.Add(time.Millisecond)

	require.NoError(t, q.Enqueue(newOp("first", models.PriorityNormal, t1)))
	require.NoError(t, q.Enqueue(newOp("second", models.PriorityNormal, t2)))

	assert.Equal(t, "first", q.Dequeue().ID)
	assert.Equal(t, "second", q.Dequeue().ID)
}

func TestFIFOTieBreakOnEqualTimestamps(t *testing.T) {
	q := NewOperationQueue(0)
	now := time.Now()

	// Same priority and identical created-at: insertion order must win.
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(newOp(id, models.PriorityHigh, now)))
	}

	for _, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, q.Dequeue().ID)
	}
}

func TestEnqueueRejectsPastDeadline(t *testing.T) {
	q := NewOperationQueue(0)

	op := newOp("late", models.PriorityNormal, time.Now())
	op.Deadline = time.Now().Add(-time.Millisecond)

	err := q.Enqueue(op)
	assert.ErrorIs(t, err, ErrDeadlinePassed)
	assert.Equal(t, 0, q.Len())
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewOperationQueue(2)
	now := time.Now()

	require.NoError(t, q.Enqueue(newOp("a", models.PriorityLow, now)))
	require.NoError(t, q.Enqueue(newOp("b", models.PriorityLow, now)))

	err := q.Enqueue(newOp("c", models.PriorityLow, now))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	// Draining one slot makes room again.
	assert.NotNil(t, q.Dequeue())
	assert.NoError(t, q.Enqueue(newOp("c", models.PriorityLow, now)))
}

func TestLen(t *testing.T) {
	q := NewOperationQueue(0)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, q.Enqueue(newOp("a", models.PriorityLow, time.Now())))
	assert.Equal(t, 1, q.Len())

	q.Dequeue()
	assert.Equal(t, 0, q.Len())
}

func TestRequeuedOperationKeepsQueuePosition(t *testing.T) {
	q := NewOperationQueue(0)
	t1 := time.Now()
	t2 := t1.Add(time.Millisecond)

	first := newOp("retry", models.PriorityNormal, t1)
	require.NoError(t, q.Enqueue(first))
	require.NoError(t, q.Enqueue(newOp("other", models.PriorityNormal, t2)))

	// Worker dequeues, fails, requeues with created-at preserved.
	got := q.Dequeue()
	require.Equal(t, "retry", got.ID)
	got.Attempts++
	require.NoError(t, q.Enqueue(got))

	// The retried operation still sorts ahead of the younger one.
	assert.Equal(t, "retry", q.Dequeue().ID)
	assert.Equal(t, "other", q.Dequeue().ID)
}
