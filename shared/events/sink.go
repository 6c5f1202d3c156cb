package events

import (
	"context"
	"errors"
)

var (
	ErrPublish         = errors.New("publish failed")
	ErrPublisherClosed = errors.New("publisher closed")
)

// Sink delivers an encoded event to a broker. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}
