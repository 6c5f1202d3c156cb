package cqrs

// GetTransactionQuery fetches a single transaction. CustomerID is the caller;
// it must own the account.
type GetTransactionQuery struct {
	TransactionID string
	AccountID     string
	CustomerID    string
}

// ListTransactionsQuery fetches the transactions of an account, newest first.
type ListTransactionsQuery struct {
	AccountID  string
	CustomerID string
	Limit      int
}
