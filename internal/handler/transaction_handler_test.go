package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eaglebank/transaction-service/internal/command"
	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/cqrs"
	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- mock implementations ----

type mockTransactionCommander struct {
	createFn func(cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error)
}

func (m *mockTransactionCommander) CreateTransaction(_ context.Context, cmd cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) {
	if m.createFn != nil {
		return m.createFn(cmd)
	}
	return nil, fmt.Errorf("not configured")
}

type mockTransactionQuerier struct {
	getFn  func(cqrs.GetTransactionQuery) (*models.TransactionView, error)
	listFn func(cqrs.ListTransactionsQuery) ([]models.TransactionView, error)
}

func (m *mockTransactionQuerier) GetTransaction(_ context.Context, q cqrs.GetTransactionQuery) (*models.TransactionView, error) {
	if m.getFn != nil {
		return m.getFn(q)
	}
	return nil, fmt.Errorf("not configured")
}

func (m *mockTransactionQuerier) ListTransactions(_ context.Context, q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
	if m.listFn != nil {
		return m.listFn(q)
	}
	return nil, fmt.Errorf("not configured")
}

// ---- helpers ----

func fakeAuthTx(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userId", userID)
		c.Set("role", role)
		c.Next()
	}
}

func newTxTestRouter(cmds TransactionCommander, qrys TransactionQuerier, authUserID, role, createRole string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(fakeAuthTx(authUserID, role))
	h := NewTransactionHandler(cmds, qrys, nil)
	h.RegisterRoutes(r.Group("/v1/accounts/:accountId/transactions"), createRole)
	return r
}

func txDoRequest(router *gin.Engine, method, url string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req, _ = http.NewRequest(method, url, strings.NewReader(string(b)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, url, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// ---- test data ----

var txTestTransaction = &models.Transaction{
	ID: "6f1c1c54-0000-4000-8000-000000000001", AccountID: "acc-1", CustomerID: "cust-1",
	Type: models.TransactionDebit, Amount: decimal.RequireFromString("30.00"), Currency: "GBP",
	Channel: models.ChannelOnline, Status: models.TransactionPosted, IdempotencyKey: "key-1",
	CreatedAt: time.Now(),
}

var txTestView = txTestTransaction.ToView()

func txDebitBody() map[string]any {
	return map[string]any{"amount": "30.00", "currency": "GBP", "type": "debit", "channel": "online"}
}

func created(cmd cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) {
	return &command.CreateTransactionResult{Transaction: txTestTransaction, Published: true, Stage: command.StageReturned}, nil
}

func failWith(err error) func(cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) {
	return func(cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) { return nil, err }
}

var idemHeader = map[string]string{IdempotencyKeyHeader: "key-1"}

// ---- tests ----

func TestCreateTransaction(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		headers        map[string]string
		role           string
		createRole     string
		createFn       func(cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error)
		expectedStatus int
	}{
		{
			name:           "success - debit own account",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       created,
			expectedStatus: http.StatusCreated,
		},
		{
			name: "success - key in body",
			body: func() map[string]any {
				b := txDebitBody()
				b["idempotencyKey"] = "key-1"
				return b
			}(),
			createFn:       created,
			expectedStatus: http.StatusCreated,
		},
		{
			name:    "replay - returns 200",
			body:    txDebitBody(),
			headers: idemHeader,
			createFn: func(cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) {
				return &command.CreateTransactionResult{Transaction: txTestTransaction, Replayed: true}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "bad request - missing idempotency key",
			body:           txDebitBody(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - missing required fields",
			body:           map[string]any{},
			headers:        idemHeader,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - unknown type",
			body:           map[string]any{"amount": 5, "currency": "GBP", "type": "withdrawal"},
			headers:        idemHeader,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - amount rejected",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(fmt.Errorf("%w: got -5", repository.ErrInvalidAmount)),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - currency mismatch",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(repository.ErrCurrencyMismatch),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "forbidden - another customer's account",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(repository.ErrCustomerMismatch),
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "forbidden - role required",
			body:           txDebitBody(),
			headers:        idemHeader,
			createRole:     AdminRole,
			createFn:       created,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "success - admin when role required",
			body:           txDebitBody(),
			headers:        idemHeader,
			role:           AdminRole,
			createRole:     AdminRole,
			createFn:       created,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "not found - account does not exist",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(fmt.Errorf("%w: acc-1", repository.ErrAccountNotFound)),
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "conflict - frozen account",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(repository.ErrAccountNotTransactable),
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "conflict - retries exhausted",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(fmt.Errorf("unit of work failed after 3 attempts: %w", repository.ErrConcurrentModification)),
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "unprocessable entity - insufficient funds",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(repository.ErrInsufficientFunds),
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name:           "internal error - detail hidden",
			body:           txDebitBody(),
			headers:        idemHeader,
			createFn:       failWith(fmt.Errorf("pq: connection refused")),
			expectedStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds := &mockTransactionCommander{createFn: tt.createFn}
			router := newTxTestRouter(cmds, &mockTransactionQuerier{}, "cust-1", tt.role, tt.createRole)
			w := txDoRequest(router, http.MethodPost, "/v1/accounts/acc-1/transactions", tt.body, tt.headers)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			assert.NotContains(t, w.Body.String(), "pq:")
		})
	}
}

func TestCreateTransactionResponseShape(t *testing.T) {
	var got cqrs.CreateTransactionCommand
	cmds := &mockTransactionCommander{createFn: func(cmd cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) {
		got = cmd
		return &command.CreateTransactionResult{
			Transaction:     txTestTransaction,
			FraudAnnotation: &models.FraudAnnotation{Score: 0.2, Decision: models.FraudAllow},
			Faults:          command.FaultFlags{PublishDegraded: true},
		}, nil
	}}
	router := newTxTestRouter(cmds, &mockTransactionQuerier{}, "cust-1", "", "")

	w := txDoRequest(router, http.MethodPost, "/v1/accounts/acc-1/transactions", txDebitBody(), idemHeader)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get(IdempotentReplayHeader))

	assert.Equal(t, "acc-1", got.AccountID)
	assert.Equal(t, "cust-1", got.CustomerID)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(30)))

	var body struct {
		Transaction     map[string]any `json:"transaction"`
		FraudAnnotation map[string]any `json:"fraudAnnotation"`
		Published       bool           `json:"published"`
		FaultFlags      map[string]any `json:"faultFlags"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, txTestTransaction.ID, body.Transaction["id"])
	assert.NotContains(t, body.Transaction, "customerId")
	assert.Equal(t, "allow", body.FraudAnnotation["decision"])
	assert.False(t, body.Published)
	assert.Equal(t, true, body.FaultFlags["publishDegraded"])
	assert.Equal(t, false, body.FaultFlags["fraudDegraded"])
}

func TestCreateTransactionReplayHeader(t *testing.T) {
	cmds := &mockTransactionCommander{createFn: func(cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) {
		return &command.CreateTransactionResult{Transaction: txTestTransaction, Replayed: true}, nil
	}}
	router := newTxTestRouter(cmds, &mockTransactionQuerier{}, "cust-1", "", "")

	w := txDoRequest(router, http.MethodPost, "/v1/accounts/acc-1/transactions", txDebitBody(), idemHeader)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(IdempotentReplayHeader))
}

func TestAdminActsOnBehalfOfCustomer(t *testing.T) {
	var got cqrs.CreateTransactionCommand
	cmds := &mockTransactionCommander{createFn: func(cmd cqrs.CreateTransactionCommand) (*command.CreateTransactionResult, error) {
		got = cmd
		return created(cmd)
	}}
	router := newTxTestRouter(cmds, &mockTransactionQuerier{}, "ops-1", AdminRole, AdminRole)

	w := txDoRequest(router, http.MethodPost, "/v1/accounts/acc-1/transactions", txDebitBody(), idemHeader)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, got.CustomerID)
}

func TestListTransactions(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		listFn         func(cqrs.ListTransactionsQuery) ([]models.TransactionView, error)
		expectedStatus int
		expectedCount  int
	}{
		{
			name: "success - list transactions on own account",
			listFn: func(q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
				return []models.TransactionView{*txTestView}, nil
			},
			expectedStatus: http.StatusOK,
			expectedCount:  1,
		},
		{
			name: "success - empty list",
			listFn: func(q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
				return nil, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:  "success - limit passed through",
			query: "?limit=5",
			listFn: func(q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
				if q.Limit != 5 {
					return nil, fmt.Errorf("limit %d", q.Limit)
				}
				return []models.TransactionView{*txTestView}, nil
			},
			expectedStatus: http.StatusOK,
			expectedCount:  1,
		},
		{
			name:           "bad request - invalid limit",
			query:          "?limit=abc",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "forbidden - another customer's account",
			listFn: func(q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
				return nil, repository.ErrCustomerMismatch
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name: "not found - account does not exist",
			listFn: func(q cqrs.ListTransactionsQuery) ([]models.TransactionView, error) {
				return nil, repository.ErrAccountNotFound
			},
			expectedStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTxTestRouter(&mockTransactionCommander{}, &mockTransactionQuerier{listFn: tt.listFn}, "cust-1", "", "")
			w := txDoRequest(router, http.MethodGet, "/v1/accounts/acc-1/transactions"+tt.query, nil, nil)
			require.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if w.Code == http.StatusOK {
				var resp ListTransactionsResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.NotNil(t, resp.Transactions)
				assert.Len(t, resp.Transactions, tt.expectedCount)
			}
		})
	}
}

func TestGetTransaction(t *testing.T) {
	tests := []struct {
		name           string
		transactionID  string
		getFn          func(cqrs.GetTransactionQuery) (*models.TransactionView, error)
		expectedStatus int
	}{
		{
			name:           "success - fetch transaction on own account",
			transactionID:  txTestTransaction.ID,
			getFn:          func(q cqrs.GetTransactionQuery) (*models.TransactionView, error) { return txTestView, nil },
			expectedStatus: http.StatusOK,
		},
		{
			name:           "forbidden - another customer's account",
			transactionID:  txTestTransaction.ID,
			getFn:          func(q cqrs.GetTransactionQuery) (*models.TransactionView, error) { return nil, repository.ErrCustomerMismatch },
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "not found - malformed transaction id",
			transactionID:  "txn-001",
			getFn:          func(q cqrs.GetTransactionQuery) (*models.TransactionView, error) { return txTestView, nil },
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "not found - transaction does not exist",
			transactionID:  "missing",
			getFn:          func(q cqrs.GetTransactionQuery) (*models.TransactionView, error) { return nil, repository.ErrTransactionNotFound },
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "not found - account does not exist",
			transactionID:  txTestTransaction.ID,
			getFn:          func(q cqrs.GetTransactionQuery) (*models.TransactionView, error) { return nil, repository.ErrAccountNotFound },
			expectedStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTxTestRouter(&mockTransactionCommander{}, &mockTransactionQuerier{getFn: tt.getFn}, "cust-1", "", "")
			w := txDoRequest(router, http.MethodGet, "/v1/accounts/acc-1/transactions/"+tt.transactionID, nil, nil)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}
