package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends events to a Redis stream named after the topic.
type RedisStreamSink struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStreamSink returns a sink that trims each stream to roughly maxLen
// entries. Pass 0 to disable trimming.
func NewRedisStreamSink(client *redis.Client, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, maxLen: maxLen}
}

func (s *RedisStreamSink) Send(ctx context.Context, topic, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			"key":   key,
			"event": payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", topic, err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStreamSink) Close() error {
	return nil
}
