package query

import (
	"context"

	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/cqrs"
	"github.com/eaglebank/transaction-service/shared/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TransactionQueryService serves transaction reads. Ownership is always checked
// against the account before returning results.
type TransactionQueryService struct {
	readRepo    *repository.TransactionReadRepository
	accountRepo *repository.AccountRepository
}

func NewTransactionQueryService(readRepo *repository.TransactionReadRepository, accountRepo *repository.AccountRepository) *TransactionQueryService {
	return &TransactionQueryService{readRepo: readRepo, accountRepo: accountRepo}
}

func (s *TransactionQueryService) GetTransaction(ctx context.Context, q cqrs.GetTransactionQuery) (*models.TransactionView, error) {
	if err := s.checkOwner(ctx, q.AccountID, q.CustomerID); err != nil {
		return nil, err
	}
	return s.readRepo.GetByID(ctx, q.AccountID, q.TransactionID)
}

// ListTransactions returns the newest transactions of an account.
func (s *TransactionQueryService) ListTransactions(ctx context.Context, q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
	if err := s.checkOwner(ctx, q.AccountID, q.CustomerID); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.readRepo.ListByAccount(ctx, q.AccountID, limit)
}

func (s *TransactionQueryService) checkOwner(ctx context.Context, accountID, customerID string) error {
	account, err := s.accountRepo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if customerID != "" && account.CustomerID != customerID {
		return repository.ErrCustomerMismatch
	}
	return nil
}
