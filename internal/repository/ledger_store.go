package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LedgerStore is the PostgreSQL ledger. Inside a unit of work it is bound to
// the unit's *sql.Tx; bound to a *sql.DB it serves read-only lookups.
type LedgerStore struct {
	q   Querier
	now func() time.Time
}

func NewLedgerStore(q Querier) *LedgerStore {
	return &LedgerStore{q: q, now: func() time.Time { return time.Now().UTC() }}
}

const accountColumns = `id, customer_id, account_number, balance, currency, status, version, created_at, updated_at`

const transactionColumns = `
	id, account_id, customer_id, type, amount, currency, channel, status, idempotency_key,
	merchant_name, merchant_category, country_code, ip_address, device_id, description,
	fraud_score, fraud_decision, fraud_detail, fraud_evaluated_at, created_at, posted_at`

func (s *LedgerStore) CreateTransaction(ctx context.Context, in NewTransaction) (*models.Transaction, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}

	existing, err := s.FindByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
	if err == nil {
		return nil, duplicateOf(existing, in)
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	account, err := s.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	txn, balance, err := prepareTransaction(account, in, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.insertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := s.applyBalanceDelta(ctx, account, balance); err != nil {
		return nil, err
	}
	if err := txn.Post(s.now()); err != nil {
		return nil, err
	}
	if err := s.updateStatus(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *LedgerStore) insertTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, account_id, customer_id, type, amount, currency, channel, status, idempotency_key,
			merchant_name, merchant_category, country_code, ip_address, device_id, description, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (account_id, idempotency_key) DO NOTHING
	`
	result, err := s.q.ExecContext(ctx, query,
		txn.ID, txn.AccountID, txn.CustomerID, txn.Type, txn.Amount, txn.Currency, txn.Channel,
		txn.Status, txn.IdempotencyKey,
		nullString(txn.MerchantName), nullString(txn.MerchantCategory), nullString(txn.CountryCode),
		nullString(txn.IPAddress), nullString(txn.DeviceID), nullString(txn.Description),
		txn.CreatedAt,
	)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to create transaction: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		// Another unit of work committed the same key after our lookup.
		return fmt.Errorf("%w: idempotency key %q inserted concurrently", ErrConcurrentModification, txn.IdempotencyKey)
	}
	return nil
}

// applyBalanceDelta writes the new balance if nobody else has changed the
// account since it was read.
func (s *LedgerStore) applyBalanceDelta(ctx context.Context, account *models.Account, balance decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET balance = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $2
	`
	result, err := s.q.ExecContext(ctx, query, account.ID, account.Version, balance, s.now())
	if err != nil {
		return mapPQError(fmt.Errorf("failed to update balance: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: account %s changed since version %d", ErrConcurrentModification, account.ID, account.Version)
	}
	account.Balance = balance
	account.Version++
	return nil
}

func (s *LedgerStore) updateStatus(ctx context.Context, txn *models.Transaction) error {
	query := `UPDATE transactions SET status = $2, posted_at = $3 WHERE id = $1`
	if _, err := s.q.ExecContext(ctx, query, txn.ID, txn.Status, txn.PostedAt); err != nil {
		return mapPQError(fmt.Errorf("failed to update transaction status: %w", err))
	}
	return nil
}

func (s *LedgerStore) AnnotateFraud(ctx context.Context, transactionID string, annotation *models.FraudAnnotation) error {
	detail, err := json.Marshal(fraudDetail{
		DecisionTier:   annotation.DecisionTier,
		TriggeredRules: annotation.TriggeredRules,
		AlertID:        annotation.AlertID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal fraud detail: %w", err)
	}
	query := `
		UPDATE transactions
		SET fraud_score = $2, fraud_decision = $3, fraud_detail = $4, fraud_evaluated_at = $5
		WHERE id = $1
	`
	result, err := s.q.ExecContext(ctx, query, transactionID, annotation.Score, annotation.Decision, string(detail), annotation.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to annotate transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	var account models.Account
	err := s.q.QueryRowContext(ctx, query, accountID).Scan(
		&account.ID, &account.CustomerID, &account.AccountNumber, &account.Balance,
		&account.Currency, &account.Status, &account.Version,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (s *LedgerStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return s.scanTransaction(s.q.QueryRowContext(ctx, query, transactionID))
}

func (s *LedgerStore) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = $1 AND idempotency_key = $2`
	return s.scanTransaction(s.q.QueryRowContext(ctx, query, accountID, key))
}

// ListByAccount returns up to limit transactions of an account, newest first.
func (s *LedgerStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.q.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		txn, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txns, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type fraudDetail struct {
	DecisionTier   string             `json:"decisionTier,omitempty"`
	TriggeredRules []models.FraudRule `json:"triggeredRules,omitempty"`
	AlertID        string             `json:"alertId,omitempty"`
}

func (s *LedgerStore) scanTransaction(row rowScanner) (*models.Transaction, error) {
	var txn models.Transaction
	var merchantName, merchantCategory, countryCode, ipAddress, deviceID, description sql.NullString
	var fraudDecision sql.NullString
	var fraudScore sql.NullFloat64
	var fraudDetailJSON []byte
	var fraudEvaluatedAt, postedAt sql.NullTime

	err := row.Scan(
		&txn.ID, &txn.AccountID, &txn.CustomerID, &txn.Type, &txn.Amount, &txn.Currency,
		&txn.Channel, &txn.Status, &txn.IdempotencyKey,
		&merchantName, &merchantCategory, &countryCode, &ipAddress, &deviceID, &description,
		&fraudScore, &fraudDecision, &fraudDetailJSON, &fraudEvaluatedAt, &txn.CreatedAt, &postedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	txn.MerchantName = merchantName.String
	txn.MerchantCategory = merchantCategory.String
	txn.CountryCode = countryCode.String
	txn.IPAddress = ipAddress.String
	txn.DeviceID = deviceID.String
	txn.Description = description.String
	if postedAt.Valid {
		at := postedAt.Time
		txn.PostedAt = &at
	}
	if fraudScore.Valid && fraudDecision.Valid {
		annotation := &models.FraudAnnotation{
			Score:       fraudScore.Float64,
			Decision:    models.FraudDecision(fraudDecision.String),
			EvaluatedAt: fraudEvaluatedAt.Time,
		}
		if len(fraudDetailJSON) > 0 {
			var detail fraudDetail
			if err := json.Unmarshal(fraudDetailJSON, &detail); err == nil {
				annotation.DecisionTier = detail.DecisionTier
				annotation.TriggeredRules = detail.TriggeredRules
				annotation.AlertID = detail.AlertID
			}
		}
		txn.Fraud = annotation
	}
	return &txn, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
