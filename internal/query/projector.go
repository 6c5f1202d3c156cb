package query

import (
	"context"
	"fmt"
	"time"

	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/events"
	sharedredis "github.com/eaglebank/transaction-service/shared/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const projectedKeyPrefix = "transaction:projected:"

// Projector keeps the Redis read model in step with transaction.posted
// events. Delivery is at-least-once, so each event key is applied once.
type Projector struct {
	client   *goredis.Client
	readRepo *repository.TransactionReadRepository
	dedupTTL time.Duration
	logger   *zap.Logger
}

func NewProjector(client *goredis.Client, readRepo *repository.TransactionReadRepository, dedupTTL time.Duration, logger *zap.Logger) *Projector {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{client: client, readRepo: readRepo, dedupTTL: dedupTTL, logger: logger}
}

// HandleTransactionEvent is an events.Handler.
func (p *Projector) HandleTransactionEvent(ctx context.Context, event events.Event) error {
	if event.Type != events.TransactionPosted {
		return nil
	}

	var payload events.TransactionPostedEvent
	if err := event.Decode(&payload); err != nil {
		// A malformed payload will never decode; drop it instead of
		// redelivering forever.
		p.logger.Error("dropping undecodable event", zap.String("key", event.Key), zap.Error(err))
		return nil
	}

	first, err := sharedredis.MarkOnce(ctx, p.client, projectedKeyPrefix+event.Key, p.dedupTTL)
	if err != nil {
		return fmt.Errorf("failed to record event %s: %w", event.Key, err)
	}
	if !first {
		p.logger.Debug("duplicate event skipped", zap.String("key", event.Key))
		return nil
	}

	p.readRepo.WarmTransactionView(ctx, payload.View())
	return nil
}
