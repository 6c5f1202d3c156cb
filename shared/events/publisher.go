package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eaglebank/transaction-service/shared/utils"
	"go.uber.org/zap"
)

type PublisherConfig struct {
	// Timeout bounds the synchronous send made by Publish.
	Timeout time.Duration
	// RetryQueueSize is the number of failed events held for background retry.
	RetryQueueSize int
	// MaxRetries is the number of background attempts per failed event.
	MaxRetries int
	// RetryBackoff is the base delay between background attempts.
	RetryBackoff time.Duration
}

func (c *PublisherConfig) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = 1024
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
}

type pendingEvent struct {
	topic   string
	key     string
	payload []byte
}

// Publisher sends events through a Sink. A send that fails within Timeout is
// reported to the caller and handed to a background worker that retries it
// with backoff, so delivery is at-least-once while the process is alive.
type Publisher struct {
	sink   Sink
	cfg    PublisherConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan pendingEvent

	retryCtx    context.Context
	cancelRetry context.CancelFunc
	done        chan struct{}
}

func NewPublisher(sink Sink, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sink:        sink,
		cfg:         cfg,
		logger:      logger,
		queue:       make(chan pendingEvent, cfg.RetryQueueSize),
		retryCtx:    ctx,
		cancelRetry: cancel,
		done:        make(chan struct{}),
	}
	go p.retryLoop()
	return p
}

// Publish wraps data in an Event keyed by key and sends it to topic.
// A returned error wraps ErrPublish; the event may still be delivered later
// by the retry worker.
func (p *Publisher) Publish(ctx context.Context, topic, eventType, key string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal event data: %v", ErrPublish, err)
	}
	payload, err := json.Marshal(Event{
		Key:       key,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      body,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal event: %v", ErrPublish, err)
	}

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPublisherClosed
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	sendErr := p.sink.Send(sendCtx, topic, key, payload)
	if sendErr == nil {
		return nil
	}

	if !p.enqueue(pendingEvent{topic: topic, key: key, payload: payload}) {
		p.logger.Error("event retry queue full or closed, event dropped",
			zap.String("topic", topic), zap.String("key", key))
	}
	return fmt.Errorf("%w: %v", ErrPublish, sendErr)
}

// Pending returns the number of events waiting for a background retry.
func (p *Publisher) Pending() int {
	return len(p.queue)
}

func (p *Publisher) enqueue(ev pendingEvent) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- ev:
		return true
	default:
		return false
	}
}

func (p *Publisher) retryLoop() {
	defer close(p.done)
	dropped := 0
	for ev := range p.queue {
		if p.retryCtx.Err() != nil {
			dropped++
			continue
		}
		if err := p.retry(ev); err != nil {
			dropped++
			p.logger.Error("event delivery abandoned",
				zap.String("topic", ev.topic), zap.String("key", ev.key), zap.Error(err))
		}
	}
	if dropped > 0 {
		p.logger.Warn("publisher stopped with undelivered events", zap.Int("dropped", dropped))
	}
}

func (p *Publisher) retry(ev pendingEvent) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := utils.SleepWithContext(p.retryCtx, utils.Backoff(p.cfg.RetryBackoff, attempt)); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(p.retryCtx, p.cfg.Timeout)
		lastErr = p.sink.Send(ctx, ev.topic, ev.key, ev.payload)
		cancel()
		if lastErr == nil {
			p.logger.Info("event delivered on retry",
				zap.String("topic", ev.topic), zap.String("key", ev.key), zap.Int("attempt", attempt+1))
			return nil
		}
	}
	return lastErr
}

// Close stops accepting events, keeps retrying queued ones until ctx is done,
// then closes the sink. Events still queued when ctx expires are dropped and
// logged.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	var drainErr error
	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancelRetry()
		<-p.done
		drainErr = fmt.Errorf("publisher drain interrupted: %w", ctx.Err())
	}
	p.cancelRetry()

	return errors.Join(drainErr, p.sink.Close())
}
