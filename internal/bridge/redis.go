package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events over Redis pub/sub. External realtime
// subscribers attach to the same channels directly or through [Subscribe].
type RedisPublisher struct {
	client redis.UniversalClient
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher wraps an existing Redis client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish implements [Publisher].
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe streams a conversation's events until the context ends or stop
// is called. Malformed payloads are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan Event, func()) {
	sub := p.client.Subscribe(ctx, Channel(conversationID))
	out := make(chan Event)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { sub.Close() }
}
