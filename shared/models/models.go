package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidChannel          = errors.New("invalid channel")
)

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountFrozen  AccountStatus = "frozen"
	AccountDormant AccountStatus = "dormant"
	AccountClosed  AccountStatus = "closed"
)

// accountTransitions lists the statuses reachable from each status.
// closed has no entry and is terminal.
var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountActive:  {AccountFrozen, AccountDormant, AccountClosed},
	AccountFrozen:  {AccountActive, AccountClosed},
	AccountDormant: {AccountActive, AccountClosed},
}

// CanTransitionTo reports whether the transition table allows s → next.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	for _, allowed := range accountTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Account struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customerId"`
	AccountNumber string          `json:"accountNumber"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Status        AccountStatus   `json:"status"`
	Version       int64           `json:"-"`
	CreatedAt     time.Time       `json:"createdTimestamp"`
	UpdatedAt     time.Time       `json:"updatedTimestamp"`
}

// Transactable reports whether the account accepts new transactions.
func (a *Account) Transactable() bool {
	return a.Status == AccountActive || a.Status == AccountDormant
}

// TransitionTo moves the account to next if the transition table allows it.
func (a *Account) TransitionTo(next AccountStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: account %s cannot move from %s to %s", ErrInvalidStatusTransition, a.ID, a.Status, next)
	}
	a.Status = next
	return nil
}

type TransactionType string

const (
	TransactionCredit   TransactionType = "credit"
	TransactionDebit    TransactionType = "debit"
	TransactionTransfer TransactionType = "transfer"
)

func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(s); t {
	case TransactionCredit, TransactionDebit, TransactionTransfer:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, s)
}

// Sign is +1 for money into the account and -1 for money out of it.
// A transfer is the outbound leg against the account it is posted to.
func (t TransactionType) Sign() int64 {
	if t == TransactionCredit {
		return 1
	}
	return -1
}

type Channel string

const (
	ChannelOnline Channel = "online"
	ChannelPOS    Channel = "pos"
	ChannelATM    Channel = "atm"
	ChannelMobile Channel = "mobile"
	ChannelBranch Channel = "branch"
)

func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelOnline, ChannelPOS, ChannelATM, ChannelMobile, ChannelBranch:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
}

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionPosted  TransactionStatus = "posted"
	TransactionFailed  TransactionStatus = "failed"
)

type Transaction struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"accountId"`
	CustomerID       string            `json:"customerId"`
	Type             TransactionType   `json:"type"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Channel          Channel           `json:"channel"`
	Status           TransactionStatus `json:"status"`
	IdempotencyKey   string            `json:"idempotencyKey"`
	MerchantName     string            `json:"merchantName,omitempty"`
	MerchantCategory string            `json:"merchantCategory,omitempty"`
	CountryCode      string            `json:"countryCode,omitempty"`
	IPAddress        string            `json:"ipAddress,omitempty"`
	DeviceID         string            `json:"deviceId,omitempty"`
	Description      string            `json:"description,omitempty"`
	Fraud            *FraudAnnotation  `json:"fraud,omitempty"`
	CreatedAt        time.Time         `json:"createdTimestamp"`
	PostedAt         *time.Time        `json:"postedTimestamp,omitempty"`
}

// SignedAmount is the balance delta the transaction applies to its account.
func (t *Transaction) SignedAmount() decimal.Decimal {
	return t.Amount.Mul(decimal.NewFromInt(t.Type.Sign()))
}

// Post moves a pending transaction to posted.
func (t *Transaction) Post(at time.Time) error {
	if t.Status != TransactionPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidStatusTransition, t.ID, t.Status)
	}
	t.Status = TransactionPosted
	t.PostedAt = &at
	return nil
}

// Fail moves a pending transaction to failed.
func (t *Transaction) Fail() error {
	if t.Status != TransactionPending {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidStatusTransition, t.ID, t.Status)
	}
	t.Status = TransactionFailed
	return nil
}

// Snapshot returns the immutable copy handed to the fraud evaluator and the
// event publisher.
func (t *Transaction) Snapshot() TransactionSnapshot {
	return TransactionSnapshot{
		TransactionID:    t.ID,
		AccountID:        t.AccountID,
		CustomerID:       t.CustomerID,
		Type:             t.Type,
		Amount:           t.Amount,
		Currency:         t.Currency,
		Channel:          t.Channel,
		Status:           t.Status,
		MerchantName:     t.MerchantName,
		MerchantCategory: t.MerchantCategory,
		CountryCode:      t.CountryCode,
		IPAddress:        t.IPAddress,
		DeviceID:         t.DeviceID,
		Description:      t.Description,
		CreatedAt:        t.CreatedAt,
	}
}

type TransactionSnapshot struct {
	TransactionID    string            `json:"transactionId"`
	AccountID        string            `json:"accountId"`
	CustomerID       string            `json:"customerId"`
	Type             TransactionType   `json:"type"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Channel          Channel           `json:"channel"`
	Status           TransactionStatus `json:"status"`
	MerchantName     string            `json:"merchantName,omitempty"`
	MerchantCategory string            `json:"merchantCategory,omitempty"`
	CountryCode      string            `json:"countryCode,omitempty"`
	IPAddress        string            `json:"ipAddress,omitempty"`
	DeviceID         string            `json:"deviceId,omitempty"`
	Description      string            `json:"description,omitempty"`
	CreatedAt        time.Time         `json:"transactionTime"`
}
