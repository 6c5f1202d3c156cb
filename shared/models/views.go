package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionView is the read-optimised projection of a transaction.
// CustomerID is populated for ownership checks but never serialised to the API response.
type TransactionView struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"accountId"`
	CustomerID  string            `json:"-"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Channel     Channel           `json:"channel"`
	Status      TransactionStatus `json:"status"`
	Description string            `json:"description,omitempty"`
	Fraud       *FraudAnnotation  `json:"fraud,omitempty"`
	CreatedAt   time.Time         `json:"createdTimestamp"`
}

// ToView converts the write model to the read view model.
func (t *Transaction) ToView() *TransactionView {
	return &TransactionView{
		ID:          t.ID,
		AccountID:   t.AccountID,
		CustomerID:  t.CustomerID,
		Type:        t.Type,
		Amount:      t.Amount,
		Currency:    t.Currency,
		Channel:     t.Channel,
		Status:      t.Status,
		Description: t.Description,
		Fraud:       t.Fraud,
		CreatedAt:   t.CreatedAt,
	}
}
