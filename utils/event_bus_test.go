package utils

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublishSync(t *testing.T) {
	bus := NewEventBus()

	var got []Event
	bus.Subscribe(EventOperationCompleted, func(e Event) error {
		got = append(got, e)
		return nil
	})

	err := bus.PublishSync(Event{
		Type:    EventOperationCompleted,
		Source:  "engine",
		Payload: map[string]any{"operation_id": "op-1"},
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "engine", got[0].Source)
	assert.Equal(t, "op-1", got[0].Payload["operation_id"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestPublishAsync(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{}, 2)
	handler := func(e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}
	bus.Subscribe(EventOperationFailed, handler)
	bus.Subscribe(EventOperationFailed, handler)

	bus.Publish(Event{Type: EventOperationFailed, Source: "engine"})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler did not run")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestPublishSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()

	wantErr := errors.New("store unavailable")
	ran := 0
	bus.Subscribe(EventOperationDropped, func(e Event) error {
		ran++
		return wantErr
	})
	bus.Subscribe(EventOperationDropped, func(e Event) error {
		ran++
		return errors.New("second error")
	})

	err := bus.PublishSync(Event{Type: EventOperationDropped})
	assert.ErrorIs(t, err, wantErr)
	// Every handler still ran.
	assert.Equal(t, 2, ran)
}

func TestPublishWithNoHandlers(t *testing.T) {
	bus := NewEventBus()
	// Must not panic or block.
	bus.Publish(Event{Type: "unknown.event"})
	assert.NoError(t, bus.PublishSync(Event{Type: "unknown.event"}))
	assert.Equal(t, 0, bus.HandlerCount("unknown.event"))
}
