package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/cqrs"
	"github.com/eaglebank/transaction-service/shared/events"
	"github.com/eaglebank/transaction-service/shared/models"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr       *miniredis.Miniredis
	client   *goredis.Client
	ledger   *repository.MemoryLedger
	readRepo *repository.TransactionReadRepository
	svc      *TransactionQueryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ledger := repository.NewMemoryLedger(repository.RetryPolicy{}, nil)
	ledger.SeedAccount(models.Account{
		ID: "acc-1", CustomerID: "cust-1", Balance: decimal.NewFromInt(100),
		Currency: "GBP", Status: models.AccountActive,
	})
	readRepo := repository.NewTransactionReadRepository(ledger, client, 0, nil)
	accountRepo := repository.NewAccountRepository(ledger, client, nil)
	return &fixture{
		mr:       mr,
		client:   client,
		ledger:   ledger,
		readRepo: readRepo,
		svc:      NewTransactionQueryService(readRepo, accountRepo),
	}
}

func (f *fixture) post(t *testing.T, key string) *models.Transaction {
	t.Helper()
	var txn *models.Transaction
	err := f.ledger.Run(context.Background(), func(ctx context.Context, l repository.Ledger) error {
		var err error
		txn, err = l.CreateTransaction(ctx, repository.NewTransaction{
			AccountID: "acc-1", CustomerID: "cust-1", Type: models.TransactionCredit,
			Amount: decimal.NewFromInt(5), Currency: "GBP", Channel: models.ChannelOnline,
			IdempotencyKey: key,
		})
		return err
	})
	require.NoError(t, err)
	return txn
}

func TestGetTransaction(t *testing.T) {
	f := newFixture(t)
	txn := f.post(t, "k1")
	ctx := context.Background()

	view, err := f.svc.GetTransaction(ctx, cqrs.GetTransactionQuery{TransactionID: txn.ID, AccountID: "acc-1", CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, txn.ID, view.ID)
	assert.True(t, f.mr.Exists(repository.TransactionViewKey("acc-1", txn.ID)), "read should warm the cache")

	_, err = f.svc.GetTransaction(ctx, cqrs.GetTransactionQuery{TransactionID: txn.ID, AccountID: "acc-1", CustomerID: "cust-2"})
	assert.ErrorIs(t, err, repository.ErrCustomerMismatch)

	_, err = f.svc.GetTransaction(ctx, cqrs.GetTransactionQuery{TransactionID: "nope", AccountID: "acc-1", CustomerID: "cust-1"})
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)

	_, err = f.svc.GetTransaction(ctx, cqrs.GetTransactionQuery{TransactionID: txn.ID, AccountID: "acc-404", CustomerID: "cust-1"})
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestListTransactions(t *testing.T) {
	f := newFixture(t)
	f.post(t, "k1")
	f.post(t, "k2")

	views, err := f.svc.ListTransactions(context.Background(), cqrs.ListTransactionsQuery{AccountID: "acc-1", CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Len(t, views, 2)

	views, err = f.svc.ListTransactions(context.Background(), cqrs.ListTransactionsQuery{AccountID: "acc-1", CustomerID: "cust-1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func postedEvent(t *testing.T, id string) events.Event {
	t.Helper()
	data, err := json.Marshal(events.TransactionPostedEvent{
		TransactionID:   id,
		AccountID:       "acc-1",
		CustomerID:      "cust-1",
		Type:            "credit",
		Amount:          decimal.NewFromInt(5),
		Currency:        "GBP",
		Channel:         "online",
		Status:          "posted",
		TransactionTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	return events.Event{Key: id, Type: events.TransactionPosted, Timestamp: time.Now().UTC(), Data: data}
}

func TestProjectorAppliesEventOnce(t *testing.T) {
	f := newFixture(t)
	projector := NewProjector(f.client, f.readRepo, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, projector.HandleTransactionEvent(ctx, postedEvent(t, "txn-1")))
	key := repository.TransactionViewKey("acc-1", "txn-1")
	require.True(t, f.mr.Exists(key))

	// A redelivery after the view was evicted must not resurrect it.
	f.mr.Del(key)
	require.NoError(t, projector.HandleTransactionEvent(ctx, postedEvent(t, "txn-1")))
	assert.False(t, f.mr.Exists(key))
}

func TestProjectorKeepsRicherView(t *testing.T) {
	f := newFixture(t)
	projector := NewProjector(f.client, f.readRepo, time.Hour, nil)
	ctx := context.Background()

	f.readRepo.CacheTransactionView(ctx, &models.TransactionView{
		ID: "txn-1", AccountID: "acc-1", Fraud: &models.FraudAnnotation{Decision: models.FraudBlock},
	})
	require.NoError(t, projector.HandleTransactionEvent(ctx, postedEvent(t, "txn-1")))

	view, err := f.readRepo.GetByID(ctx, "acc-1", "txn-1")
	require.NoError(t, err)
	require.NotNil(t, view.Fraud)
	assert.Equal(t, models.FraudBlock, view.Fraud.Decision)
}

func TestProjectorIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	projector := NewProjector(f.client, f.readRepo, time.Hour, nil)

	err := projector.HandleTransactionEvent(context.Background(), events.Event{Key: "x", Type: "account.created"})
	require.NoError(t, err)
	assert.Empty(t, f.mr.Keys())
}
