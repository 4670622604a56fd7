package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/npu-bridge/npu-bridge-go/pkg/models"
	"github.com/npu-bridge/npu-bridge-go/utils"
)

const (
	resultKeyPrefix = "npu_bridge:results"
	notifyChannel   = "npu_bridge:completions"
)

// DefaultTTL bounds how long results stay readable after completion
const DefaultTTL = time.Hour

// Store keeps terminal operation results in Redis so other processes can
// poll or subscribe for them. The store is optional; when no Redis URL is
// configured the bridge runs without it.
type Store struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *utils.Logger
}

// NewStore connects to Redis at the given host:port address
func NewStore(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(fmt.Sprintf("redis://%s", redisURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		redis:  client,
		ttl:    DefaultTTL,
		logger: utils.GetLogger(),
	}, nil
}

// Close releases the Redis connection
func (s *Store) Close() error {
	return s.redis.Close()
}

func resultKey(operationID string) string {
	return fmt.Sprintf("%s:%s", resultKeyPrefix, operationID)
}

// Save stores a result under its operation id and announces it on the
// completion channel
func (s *Store) Save(ctx context.Context, result models.OperationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.redis.Set(ctx, resultKey(result.OperationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	if err := s.redis.Publish(ctx, notifyChannel, result.OperationID).Err(); err != nil {
		return fmt.Errorf("failed to publish completion: %w", err)
	}
	return nil
}

// Get returns the stored result for an operation id
func (s *Store) Get(ctx context.Context, operationID string) (*models.OperationResult, error) {
	data, err := s.redis.Get(ctx, resultKey(operationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no result for operation %s", operationID)
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	var result models.OperationResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// WaitFor blocks until the result for the operation id is announced or the
// context is cancelled. A result stored before the call is returned
// immediately.
func (s *Store) WaitFor(ctx context.Context, operationID string) (*models.OperationResult, error) {
	sub := s.redis.Subscribe(ctx, notifyChannel)
	defer sub.Close()

	// The result may have landed before the subscription was live.
	if result, err := s.Get(ctx, operationID); err == nil {
		return result, nil
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("completion channel closed")
			}
			if msg.Payload == operationID {
				return s.Get(ctx, operationID)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscribe wires the store to the event bus so every terminal result is
// pushed to Redis as it happens
func (s *Store) Subscribe(bus *utils.EventBus) {
	handler := func(event utils.Event) error {
		result, ok := event.Payload["result"].(models.OperationResult)
		if !ok {
			return fmt.Errorf("event payload missing result")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Save(ctx, result)
	}

	bus.Subscribe(utils.EventOperationCompleted, handler)
	bus.Subscribe(utils.EventOperationFailed, handler)
	bus.Subscribe(utils.EventOperationDropped, handler)
}
