package utils

import (
	"context"
	"math/rand"
	"time"
)

const (
	maxBackoffShift = 30

	// MaxBackoff caps the delay before jitter is applied.
	MaxBackoff = 30 * time.Second
)

// Backoff returns min(base * 2^attempt, MaxBackoff) with full jitter, i.e. a
// random duration in [0, that cap).
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := MaxBackoff
	if base <= MaxBackoff>>attempt {
		delay = base << attempt
	}
	return time.Duration(rand.Int63n(int64(delay)))
}

// SleepWithContext sleeps for d or until ctx is done, whichever comes first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
