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

const accountCacheTTL = 5 * time.Minute

// AccountRepository serves read-only account lookups, cached in Redis for a
// few minutes. Balances in the cache may lag; callers that need the balance
// of record read it inside a unit of work.
type AccountRepository struct {
	reader Reader
	cache  *sharedredis.ViewCache[models.Account]
}

func NewAccountRepository(reader Reader, redisClient *goredis.Client, logger *zap.Logger) *AccountRepository {
	r := &AccountRepository{reader: reader}
	if redisClient != nil {
		r.cache = sharedredis.NewViewCache[models.Account](redisClient, accountCacheTTL, logger)
	}
	return r
}

func accountCacheKey(accountID string) string {
	return fmt.Sprintf("account:%s", accountID)
}

// GetAccount retrieves account information, trying the cache first.
func (r *AccountRepository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if r.cache != nil {
		if account, ok := r.cache.Get(ctx, accountCacheKey(accountID)); ok {
			return account, nil
		}
	}
	account, err := r.reader.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, accountCacheKey(accountID), account)
	}
	return account, nil
}

// Invalidate drops the cached copy of an account after its balance changed.
func (r *AccountRepository) Invalidate(ctx context.Context, accountID string) {
	if r.cache != nil {
		r.cache.Delete(ctx, accountCacheKey(accountID))
	}
}
