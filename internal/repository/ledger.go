package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/eaglebank/transaction-service/shared/utils"
	"github.com/shopspring/decimal"
)

// NewTransaction is the input to Ledger.CreateTransaction.
type NewTransaction struct {
	AccountID        string
	CustomerID       string
	Type             models.TransactionType
	Amount           decimal.Decimal
	Currency         string
	Channel          models.Channel
	IdempotencyKey   string
	MerchantName     string
	MerchantCategory string
	CountryCode      string
	IPAddress        string
	DeviceID         string
	Description      string
}

// Ledger is the store as seen from inside a unit of work. Writes made through
// it are staged until the unit of work commits. Balances change only as a
// side effect of CreateTransaction.
type Ledger interface {
	// CreateTransaction records a transaction and applies its balance delta.
	// It returns a *DuplicateTransactionError carrying the prior transaction
	// when the idempotency key was already used for the account.
	CreateTransaction(ctx context.Context, in NewTransaction) (*models.Transaction, error)
	// AnnotateFraud stores a fraud annotation on an existing transaction.
	AnnotateFraud(ctx context.Context, transactionID string, annotation *models.FraudAnnotation) error
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (*models.Transaction, error)
}

// UnitOfWork scopes ledger mutations into a single commit or rollback.
type UnitOfWork interface {
	// Run executes fn against a fresh Ledger. If fn returns an error or
	// panics, every staged write is rolled back before Run returns.
	Run(ctx context.Context, fn func(ctx context.Context, ledger Ledger) error) error
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.Round(2).IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount.String())
	}
	return nil
}

// duplicateOf reports a reused idempotency key. A caller that does not own
// the account gets ErrCustomerMismatch, never the prior transaction.
func duplicateOf(existing *models.Transaction, in NewTransaction) error {
	if in.CustomerID != "" && in.CustomerID != existing.CustomerID {
		return ErrCustomerMismatch
	}
	return &DuplicateTransactionError{Existing: existing}
}

// prepareTransaction checks the account against the request and builds the
// pending transaction together with the account balance it would produce.
func prepareTransaction(acc *models.Account, in NewTransaction, now time.Time) (*models.Transaction, decimal.Decimal, error) {
	if in.CustomerID != "" && in.CustomerID != acc.CustomerID {
		return nil, decimal.Zero, ErrCustomerMismatch
	}
	if !acc.Transactable() {
		return nil, decimal.Zero, fmt.Errorf("%w: account %s is %s", ErrAccountNotTransactable, acc.ID, acc.Status)
	}
	if !strings.EqualFold(in.Currency, acc.Currency) {
		return nil, decimal.Zero, fmt.Errorf("%w: %s != %s", ErrCurrencyMismatch, in.Currency, acc.Currency)
	}

	txn := &models.Transaction{
		ID:               utils.NewTransactionID(),
		AccountID:        acc.ID,
		CustomerID:       acc.CustomerID,
		Type:             in.Type,
		Amount:           in.Amount.Round(2),
		Currency:         acc.Currency,
		Channel:          in.Channel,
		Status:           models.TransactionPending,
		IdempotencyKey:   in.IdempotencyKey,
		MerchantName:     in.MerchantName,
		MerchantCategory: in.MerchantCategory,
		CountryCode:      in.CountryCode,
		IPAddress:        in.IPAddress,
		DeviceID:         in.DeviceID,
		Description:      in.Description,
		CreatedAt:        now,
	}

	delta := txn.SignedAmount()
	balance := acc.Balance.Add(delta)
	if delta.IsNegative() && balance.IsNegative() {
		return nil, decimal.Zero, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, acc.Balance.StringFixed(2), txn.Amount.StringFixed(2))
	}
	return txn, balance, nil
}
