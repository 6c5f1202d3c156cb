package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eaglebank/transaction-service/shared/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one event. An error leaves the message pending; it is
// claimed again once it has been idle for SubscriberConfig.ClaimIdle.
type Handler func(ctx context.Context, event Event) error

var errMalformedMessage = errors.New("malformed stream message")

type SubscriberConfig struct {
	Group    string
	Consumer string
	Stream   string
	Handler  Handler

	BatchSize     int64
	BlockDuration time.Duration
	// ClaimIdle is how long a delivered message may stay unacknowledged
	// before this consumer takes it over.
	ClaimIdle time.Duration

	Logger *zap.Logger
}

// Subscriber reads a Redis stream through a consumer group and hands each
// decoded Event to its handler. Delivery is at-least-once.
type Subscriber struct {
	client *redis.Client
	cfg    SubscriberConfig
	logger *zap.Logger
}

func NewSubscriber(client *redis.Client, cfg SubscriberConfig) *Subscriber {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("stream", cfg.Stream), zap.String("group", cfg.Group)),
	}
}

// Start consumes the stream until ctx is cancelled and returns ctx.Err().
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}
	s.logger.Info("subscriber started", zap.String("consumer", s.cfg.Consumer))

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("subscriber stopping")
			return err
		}
		if err := s.poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("stream poll failed", zap.Error(err))
			_ = utils.SleepWithContext(ctx, time.Second)
		}
	}
}

func (s *Subscriber) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err == nil || strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("failed to create consumer group %s: %w", s.cfg.Group, err)
}

// poll first takes over messages another delivery left pending, then reads
// new ones.
func (s *Subscriber) poll(ctx context.Context) error {
	stale, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    s.cfg.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Debug("claiming pending messages failed", zap.Error(err))
	}
	s.dispatch(ctx, stale)

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, ">"},
		Count:    s.cfg.BatchSize,
		Block:    s.cfg.BlockDuration,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}
	for _, stream := range streams {
		s.dispatch(ctx, stream.Messages)
	}
	return nil
}

func (s *Subscriber) dispatch(ctx context.Context, messages []redis.XMessage) {
	for _, msg := range messages {
		event, err := decodeMessage(msg)
		if err != nil {
			// It will never decode; acknowledge it so it is not claimed forever.
			s.logger.Error("dropping malformed message", zap.String("id", msg.ID), zap.Error(err))
			s.ack(ctx, msg.ID)
			continue
		}
		if err := s.cfg.Handler(ctx, event); err != nil {
			s.logger.Warn("handler failed, message left pending",
				zap.String("id", msg.ID), zap.String("key", event.Key), zap.Error(err))
			continue
		}
		s.ack(ctx, msg.ID)
	}
}

func (s *Subscriber) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.logger.Warn("failed to ack message", zap.String("id", id), zap.Error(err))
	}
}

// decodeMessage turns a stream entry written by RedisStreamSink back into an
// Event. The entry's key field fills in an envelope without one.
func decodeMessage(msg redis.XMessage) (Event, error) {
	var raw []byte
	switch v := msg.Values["event"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return Event{}, fmt.Errorf("%w: %s has no event field", errMalformedMessage, msg.ID)
	}

	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", errMalformedMessage, msg.ID, err)
	}
	if event.Key == "" {
		event.Key, _ = msg.Values["key"].(string)
	}
	if event.Key == "" || event.Type == "" {
		return Event{}, fmt.Errorf("%w: %s is missing key or type", errMalformedMessage, msg.ID)
	}
	return event, nil
}
