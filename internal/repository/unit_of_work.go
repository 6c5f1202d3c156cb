package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eaglebank/transaction-service/shared/utils"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often a unit of work is re-run after a
// concurrent-modification conflict.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// SQLUnitOfWork runs each unit of work in its own database transaction,
// checked out of the shared pool for the duration of the commit boundary.
type SQLUnitOfWork struct {
	db     *sql.DB
	policy RetryPolicy
	logger *zap.Logger
}

func NewSQLUnitOfWork(db *sql.DB, policy RetryPolicy, logger *zap.Logger) *SQLUnitOfWork {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLUnitOfWork{db: db, policy: policy, logger: logger}
}

func (u *SQLUnitOfWork) Run(ctx context.Context, fn func(ctx context.Context, ledger Ledger) error) error {
	return runWithRetry(ctx, u.policy, u.logger, func(ctx context.Context) error {
		return u.runOnce(ctx, fn)
	})
}

func (u *SQLUnitOfWork) runOnce(ctx context.Context, fn func(ctx context.Context, ledger Ledger) error) error {
	tx, err := u.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin unit of work: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			u.logger.Error("unit of work rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, NewLedgerStore(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		// database/sql rolls back on cancellation and Commit may only
		// report ErrTxDone.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("unit of work not committed: %w", ctxErr)
		}
		return mapPQError(fmt.Errorf("failed to commit unit of work: %w", err))
	}
	committed = true
	return nil
}

// runWithRetry re-runs once while it fails with ErrConcurrentModification,
// sleeping with jittered exponential backoff between attempts.
func runWithRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, once func(ctx context.Context) error) error {
	attempts := policy.attempts()
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = once(ctx)
		if err == nil || !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		logger.Debug("unit of work conflict, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		if sleepErr := utils.SleepWithContext(ctx, utils.Backoff(policy.BaseDelay, attempt)); sleepErr != nil {
			return err
		}
	}
	return fmt.Errorf("unit of work failed after %d attempts: %w", attempts, err)
}
