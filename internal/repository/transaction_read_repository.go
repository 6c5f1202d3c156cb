package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
	sharedredis "github.com/eaglebank/transaction-service/shared/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const transactionViewKeyPrefix = "transaction:view:"

// Reader is the read-only side of a ledger. LedgerStore bound to a *sql.DB
// and MemoryLedger both satisfy it.
type Reader interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
}

// TransactionReadRepository handles all read operations for transactions.
// It uses Redis as the primary read store, falling back to the ledger on a miss.
// A nil Redis client disables the cache.
type TransactionReadRepository struct {
	reader Reader
	cache  *sharedredis.ViewCache[models.TransactionView]
}

func NewTransactionReadRepository(reader Reader, redisClient *goredis.Client, ttl time.Duration, logger *zap.Logger) *TransactionReadRepository {
	r := &TransactionReadRepository{reader: reader}
	if redisClient != nil {
		r.cache = sharedredis.NewViewCache[models.TransactionView](redisClient, ttl, logger)
	}
	return r
}

// TransactionViewKey is the Redis key holding the view of a transaction.
func TransactionViewKey(accountID, transactionID string) string {
	return fmt.Sprintf("%s%s:%s", transactionViewKeyPrefix, accountID, transactionID)
}

// GetByID returns a TransactionView by attempting Redis first, then the ledger.
// A transaction that belongs to another account is reported as not found.
func (r *TransactionReadRepository) GetByID(ctx context.Context, accountID, transactionID string) (*models.TransactionView, error) {
	key := TransactionViewKey(accountID, transactionID)
	if r.cache != nil {
		if view, ok := r.cache.Get(ctx, key); ok {
			return view, nil
		}
	}

	txn, err := r.reader.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.AccountID != accountID {
		return nil, ErrTransactionNotFound
	}

	view := txn.ToView()
	r.CacheTransactionView(ctx, view)
	return view, nil
}

// ListByAccount returns the newest limit TransactionViews of an account from the ledger.
func (r *TransactionReadRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.TransactionView, error) {
	txns, err := r.reader.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]models.TransactionView, 0, len(txns))
	for i := range txns {
		views = append(views, *txns[i].ToView())
	}
	return views, nil
}

// CacheTransactionView stores the read model for a transaction in Redis.
func (r *TransactionReadRepository) CacheTransactionView(ctx context.Context, view *models.TransactionView) {
	if r.cache == nil {
		return
	}
	r.cache.Set(ctx, TransactionViewKey(view.AccountID, view.ID), view)
}

// WarmTransactionView caches view unless a view of the transaction is
// already cached. The command side writes richer views, so they win.
func (r *TransactionReadRepository) WarmTransactionView(ctx context.Context, view *models.TransactionView) {
	if r.cache == nil {
		return
	}
	if _, ok := r.cache.Get(ctx, TransactionViewKey(view.AccountID, view.ID)); ok {
		return
	}
	r.CacheTransactionView(ctx, view)
}
