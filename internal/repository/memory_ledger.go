package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type idempotencyKey struct {
	accountID string
	key       string
}

// MemoryLedger is an in-process ledger with the same unit-of-work semantics
// as the PostgreSQL store: writes are staged per unit, and commit checks
// account versions and idempotency keys before applying anything.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
	txns     map[string]models.Transaction
	byKey    map[idempotencyKey]string

	policy RetryPolicy
	logger *zap.Logger
	now    func() time.Time

	// beforeCommit runs between the body and the commit; tests use it to
	// force interleavings.
	beforeCommit func()
}

func NewMemoryLedger(policy RetryPolicy, logger *zap.Logger) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLedger{
		accounts: make(map[string]models.Account),
		txns:     make(map[string]models.Transaction),
		byKey:    make(map[idempotencyKey]string),
		policy:   policy,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SeedAccount registers an account the way the onboarding flow would.
func (m *MemoryLedger) SeedAccount(account models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = m.now()
		account.UpdatedAt = account.CreatedAt
	}
	m.accounts[account.ID] = account
}

func (m *MemoryLedger) Run(ctx context.Context, fn func(ctx context.Context, ledger Ledger) error) error {
	return runWithRetry(ctx, m.policy, m.logger, func(ctx context.Context) error {
		unit := newMemoryUnit(m)
		if err := fn(ctx, unit); err != nil {
			return err
		}
		if m.beforeCommit != nil {
			m.beforeCommit()
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("unit of work not committed: %w", err)
		}
		return m.commit(unit)
	})
}

func (m *MemoryLedger) commit(u *memoryUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range u.accounts {
		current, ok := m.accounts[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		if current.Version != u.readVersions[id] {
			return fmt.Errorf("%w: account %s changed since version %d", ErrConcurrentModification, id, u.readVersions[id])
		}
	}
	for key := range u.byKey {
		if _, taken := m.byKey[key]; taken {
			return fmt.Errorf("%w: idempotency key %q inserted concurrently", ErrConcurrentModification, key.key)
		}
	}

	for id, staged := range u.accounts {
		m.accounts[id] = staged
	}
	for id, txn := range u.txns {
		m.txns[id] = txn
	}
	for key, id := range u.byKey {
		m.byKey[key] = id
	}
	return nil
}

// GetAccount reads committed account state outside any unit of work.
func (m *MemoryLedger) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return &account, nil
}

// GetTransaction reads a committed transaction outside any unit of work.
func (m *MemoryLedger) GetTransaction(_ context.Context, transactionID string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.txns[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &txn, nil
}

// ListByAccount returns up to limit committed transactions, newest first.
func (m *MemoryLedger) ListByAccount(_ context.Context, accountID string, limit int) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var txns []models.Transaction
	for _, txn := range m.txns {
		if txn.AccountID == accountID {
			txns = append(txns, txn)
		}
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].CreatedAt.After(txns[j].CreatedAt) })
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

// TransactionCount returns the number of committed transactions.
func (m *MemoryLedger) TransactionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txns)
}

// memoryUnit is the Ledger handed to one unit-of-work body.
type memoryUnit struct {
	ledger       *MemoryLedger
	accounts     map[string]models.Account
	readVersions map[string]int64
	txns         map[string]models.Transaction
	byKey        map[idempotencyKey]string
}

func newMemoryUnit(m *MemoryLedger) *memoryUnit {
	return &memoryUnit{
		ledger:       m,
		accounts:     make(map[string]models.Account),
		readVersions: make(map[string]int64),
		txns:         make(map[string]models.Transaction),
		byKey:        make(map[idempotencyKey]string),
	}
}

func (u *memoryUnit) CreateTransaction(ctx context.Context, in NewTransaction) (*models.Transaction, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}

	existing, err := u.FindByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
	if err == nil {
		return nil, duplicateOf(existing, in)
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	account, err := u.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	txn, balance, err := prepareTransaction(account, in, u.ledger.now())
	if err != nil {
		return nil, err
	}

	key := idempotencyKey{accountID: txn.AccountID, key: txn.IdempotencyKey}
	u.txns[txn.ID] = *txn
	u.byKey[key] = txn.ID

	u.applyBalanceDelta(account, balance)

	if err := txn.Post(u.ledger.now()); err != nil {
		return nil, err
	}
	u.txns[txn.ID] = *txn
	return txn, nil
}

func (u *memoryUnit) applyBalanceDelta(account *models.Account, balance decimal.Decimal) {
	account.Balance = balance
	account.Version++
	account.UpdatedAt = u.ledger.now()
	u.accounts[account.ID] = *account
}

func (u *memoryUnit) AnnotateFraud(ctx context.Context, transactionID string, annotation *models.FraudAnnotation) error {
	txn, err := u.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	annotated := *annotation
	txn.Fraud = &annotated
	u.txns[txn.ID] = *txn
	return nil
}

func (u *memoryUnit) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if account, ok := u.accounts[accountID]; ok {
		return &account, nil
	}
	account, err := u.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, seen := u.readVersions[accountID]; !seen {
		u.readVersions[accountID] = account.Version
	}
	return account, nil
}

func (u *memoryUnit) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	if txn, ok := u.txns[transactionID]; ok {
		return &txn, nil
	}
	return u.ledger.GetTransaction(ctx, transactionID)
}

func (u *memoryUnit) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*models.Transaction, error) {
	k := idempotencyKey{accountID: accountID, key: key}
	if id, ok := u.byKey[k]; ok {
		return u.GetTransaction(ctx, id)
	}
	u.ledger.mu.RLock()
	id, ok := u.ledger.byKey[k]
	u.ledger.mu.RUnlock()
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return u.ledger.GetTransaction(ctx, id)
}
