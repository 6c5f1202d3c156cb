package cqrs

import "github.com/shopspring/decimal"

// CreateTransactionCommand is the write-side input for posting a transaction.
// Type and Channel are raw strings; the command service validates them.
type CreateTransactionCommand struct {
	AccountID        string
	CustomerID       string
	Type             string
	Amount           decimal.Decimal
	Currency         string
	Channel          string
	IdempotencyKey   string
	MerchantName     string
	MerchantCategory string
	CountryCode      string
	IPAddress        string
	DeviceID         string
	Description      string
}
