//go:build integration

package repository

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupLedgerDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db, nil))

	_, err = db.ExecContext(ctx, `
		INSERT INTO accounts (id, customer_id, account_number, balance, currency, status)
		VALUES ('acc-1', 'cust-1', '01234567', 100.00, 'GBP', 'active')
	`)
	require.NoError(t, err)
	return db
}

func TestLedgerStore_Integration(t *testing.T) {
	db := setupLedgerDB(t)
	ctx := context.Background()
	uow := NewSQLUnitOfWork(db, RetryPolicy{MaxAttempts: 20, BaseDelay: 2 * time.Millisecond}, nil)
	store := NewLedgerStore(db)

	t.Run("debit posts and persists", func(t *testing.T) {
		txn, err := create(ctx, uow, debit("30.00", "int-1"))
		require.NoError(t, err)
		assert.Equal(t, models.TransactionPosted, txn.Status)

		acc, err := store.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(70)), "balance %s", acc.Balance)
		assert.Equal(t, int64(1), acc.Version)

		got, err := store.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, "int-1", got.IdempotencyKey)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(30)))
	})

	t.Run("replay returns prior transaction", func(t *testing.T) {
		_, err := create(ctx, uow, debit("30.00", "int-1"))
		var dup *DuplicateTransactionError
		require.True(t, errors.As(err, &dup))
		assert.Equal(t, "int-1", dup.Existing.IdempotencyKey)

		acc, _ := store.GetAccount(ctx, "acc-1")
		assert.True(t, acc.Balance.Equal(decimal.NewFromInt(70)))
	})

	t.Run("rejected amount leaves no row", func(t *testing.T) {
		_, err := create(ctx, uow, debit("-5", "int-neg"))
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = store.FindByIdempotencyKey(ctx, "acc-1", "int-neg")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("fraud annotation round trip", func(t *testing.T) {
		txn, err := create(ctx, uow, debit("1.00", "int-fraud"))
		require.NoError(t, err)

		annotation := &models.FraudAnnotation{
			Score:          0.42,
			Decision:       models.FraudReview,
			DecisionTier:   "medium",
			TriggeredRules: []models.FraudRule{{Code: "VEL-1", Name: "velocity", Severity: "medium", Score: 0.3}},
			EvaluatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, uow.Run(ctx, func(ctx context.Context, l Ledger) error {
			return l.AnnotateFraud(ctx, txn.ID, annotation)
		}))

		got, err := store.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Fraud)
		assert.Equal(t, models.FraudReview, got.Fraud.Decision)
		assert.Equal(t, "medium", got.Fraud.DecisionTier)
		require.Len(t, got.Fraud.TriggeredRules, 1)
		assert.Equal(t, "VEL-1", got.Fraud.TriggeredRules[0].Code)
	})

	t.Run("concurrent same key creates once", func(t *testing.T) {
		before, _ := store.GetAccount(ctx, "acc-1")

		var wg sync.WaitGroup
		ids := make(chan string, 6)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				txn, err := create(ctx, uow, debit("5.00", "int-race"))
				var dup *DuplicateTransactionError
				switch {
				case err == nil:
					ids <- txn.ID
				case errors.As(err, &dup):
					ids <- dup.Existing.ID
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[string]bool{}
		for id := range ids {
			seen[id] = true
		}
		assert.Len(t, seen, 1)

		after, _ := store.GetAccount(ctx, "acc-1")
		assert.True(t, after.Balance.Equal(before.Balance.Sub(decimal.NewFromInt(5))))
	})

	t.Run("list newest first", func(t *testing.T) {
		txns, err := store.ListByAccount(ctx, "acc-1", 2)
		require.NoError(t, err)
		require.Len(t, txns, 2)
		assert.False(t, txns[0].CreatedAt.Before(txns[1].CreatedAt))
	})

	t.Run("replay by another customer is rejected", func(t *testing.T) {
		other := debit("30.00", "int-1")
		other.CustomerID = "cust-2"
		txn, err := create(ctx, uow, other)
		assert.Nil(t, txn)
		assert.ErrorIs(t, err, ErrCustomerMismatch)
	})

	t.Run("cancelled before commit rolls back", func(t *testing.T) {
		before, _ := store.GetAccount(ctx, "acc-1")
		cancelCtx, cancel := context.WithCancel(ctx)
		err := uow.Run(cancelCtx, func(ctx context.Context, ledger Ledger) error {
			if _, err := ledger.CreateTransaction(ctx, debit("1.00", "int-cancel")); err != nil {
				return err
			}
			cancel()
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)

		after, _ := store.GetAccount(ctx, "acc-1")
		assert.True(t, after.Balance.Equal(before.Balance))
		_, err = store.FindByIdempotencyKey(ctx, "acc-1", "int-cancel")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}
