package repository

import (
	"errors"
	"fmt"

	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/lib/pq"
)

var (
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountNotTransactable = errors.New("account does not accept transactions")
	ErrCustomerMismatch       = errors.New("customer does not own account")
	ErrCurrencyMismatch       = errors.New("currency does not match account currency")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrTransactionNotFound    = errors.New("transaction not found")
)

// DuplicateTransactionError is returned when an idempotency key has already
// been recorded for the account. Existing is the transaction it produced.
type DuplicateTransactionError struct {
	Existing *models.Transaction
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("duplicate transaction: idempotency key %q already used by %s", e.Existing.IdempotencyKey, e.Existing.ID)
}

func (e *DuplicateTransactionError) Unwrap() error {
	return ErrDuplicateTransaction
}

// Postgres SQLSTATE codes the ledger reacts to.
const (
	pqUniqueViolation      = "23505"
	pqForeignKeyViolation  = "23503"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// mapPQError translates driver errors that carry ledger meaning. A unique
// violation here can only come from a racing insert of the same idempotency
// key, so it is retried like any other conflict.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqUniqueViolation, pqSerializationFailure, pqDeadlockDetected:
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	case pqForeignKeyViolation:
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}
	return err
}
