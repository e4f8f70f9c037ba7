package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/authrim/authrim/internal/storage"
)

// RedisSink publishes events on a single pub/sub channel; consumers filter
// by the type field in the payload.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(r *storage.Redis) *RedisSink {
	return &RedisSink{client: r.Client(), channel: r.Prefix() + ":events"}
}

// Channel returns the pub/sub channel name, for consumers.
func (s *RedisSink) Channel() string { return s.channel }

func (s *RedisSink) Deliver(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
