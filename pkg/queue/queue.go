package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
)

var (
	// ErrQueueFull is returned when the queue is at its configured capacity
	ErrQueueFull = errors.New("operation queue is full")
	// ErrDeadlinePassed is returned when an operation's deadline has already
	// elapsed at submission time
	ErrDeadlinePassed = errors.New("operation deadline already passed")
)

// OperationQueue holds pending operations ordered by priority (descending)
// with FIFO ordering inside each priority level
type OperationQueue struct {
	mu       sync.Mutex
	pq       priorityQueue
	capacity int
	seq      uint64
}

// NewOperationQueue creates an operation queue with the given capacity.
// A capacity of zero or less means unbounded.
func NewOperationQueue(capacity int) *OperationQueue {
	q := &OperationQueue{
		pq:       make(priorityQueue, 0),
		capacity: capacity,
	}
	heap.Init(&q.pq)
	return q
}

// Enqueue inserts an operation maintaining priority order. Operations whose
// deadline has already passed are rejected outright so workers never see them.
func (q *OperationQueue) Enqueue(op *models.Operation) error {
	if !op.Deadline.IsZero() && !op.Deadline.After(time.Now()) {
		return ErrDeadlinePassed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.pq.Len() >= q.capacity {
		return ErrQueueFull
	}

	q.seq++
	heap.Push(&q.pq, &queueItem{
		op:  op,
		seq: q.seq,
	})
	return nil
}

// Dequeue removes and returns the highest-priority, oldest operation.
// Returns nil when the queue is empty; it never blocks.
func (q *OperationQueue) Dequeue() *models.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pq.Len() == 0 {
		return nil
	}

	item := heap.Pop(&q.pq).(*queueItem)
	return item.op
}

// Len returns the number of pending operations
func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// queueItem wraps an operation with a monotonic sequence number so ordering
// inside a priority level is deterministic even when created-at timestamps
// collide at clock resolution
type queueItem struct {
	op    *models.Operation
	seq   uint64
	index int
}

// priorityQueue implements heap.Interface over queued operations
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.op.Priority != b.op.Priority {
		return a.op.Priority > b.op.Priority
	}
	if !a.op.CreatedAt.Equal(b.op.CreatedAt) {
		return a.op.CreatedAt.Before(b.op.CreatedAt)
	}
	return a.seq < b.seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*queueItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}
