package utils

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maxIdempotencyKeyLength = 128

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// NewTransactionID returns a random transaction identifier.
func NewTransactionID() string {
	return uuid.NewString()
}

// NewRequestID returns a random request identifier for log correlation.
func NewRequestID() string {
	return uuid.NewString()
}

// ValidateCurrency validates an ISO-4217 style alphabetic currency code.
func ValidateCurrency(currency string) bool {
	return currencyPattern.MatchString(currency)
}

// ValidateIdempotencyKey validates a caller-supplied idempotency key.
func ValidateIdempotencyKey(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && len(key) <= maxIdempotencyKeyLength
}

// ValidateTransactionID validates the transaction ID format
func ValidateTransactionID(transactionID string) bool {
	_, err := uuid.Parse(transactionID)
	return err == nil
}
