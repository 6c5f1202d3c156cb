package events

import (
	"encoding/json"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/shopspring/decimal"
)

// Event types
const (
	TransactionPosted = "transaction.posted"
)

// Topic names
const (
	TransactionsRawTopic = "transactions.raw"
)

// Event is the envelope written to every sink. Key is the idempotency key
// consumers deduplicate on; for transaction events it is the transaction ID.
type Event struct {
	Key       string          `json:"key"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// TransactionPostedEvent is the payload of transaction.posted.
type TransactionPostedEvent struct {
	TransactionID    string          `json:"transactionId"`
	AccountID        string          `json:"accountId"`
	CustomerID       string          `json:"customerId"`
	Type             string          `json:"transactionType"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Channel          string          `json:"channel"`
	Status           string          `json:"status"`
	MerchantName     string          `json:"merchantName,omitempty"`
	MerchantCategory string          `json:"merchantCategory,omitempty"`
	CountryCode      string          `json:"locationCountry,omitempty"`
	IPAddress        string          `json:"ipAddress,omitempty"`
	DeviceID         string          `json:"deviceFingerprint,omitempty"`
	Description      string          `json:"description,omitempty"`
	TransactionTime  time.Time       `json:"transactionTime"`
}

func NewTransactionPostedEvent(s models.TransactionSnapshot) TransactionPostedEvent {
	return TransactionPostedEvent{
		TransactionID:    s.TransactionID,
		AccountID:        s.AccountID,
		CustomerID:       s.CustomerID,
		Type:             string(s.Type),
		Amount:           s.Amount,
		Currency:         s.Currency,
		Channel:          string(s.Channel),
		Status:           string(s.Status),
		MerchantName:     s.MerchantName,
		MerchantCategory: s.MerchantCategory,
		CountryCode:      s.CountryCode,
		IPAddress:        s.IPAddress,
		DeviceID:         s.DeviceID,
		Description:      s.Description,
		TransactionTime:  s.CreatedAt,
	}
}

// View rebuilds the read model of the transaction from the event.
func (e TransactionPostedEvent) View() *models.TransactionView {
	return &models.TransactionView{
		ID:          e.TransactionID,
		AccountID:   e.AccountID,
		CustomerID:  e.CustomerID,
		Type:        models.TransactionType(e.Type),
		Amount:      e.Amount,
		Currency:    e.Currency,
		Channel:     models.Channel(e.Channel),
		Status:      models.TransactionStatus(e.Status),
		Description: e.Description,
		CreatedAt:   e.TransactionTime,
	}
}
