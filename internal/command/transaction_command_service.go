package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eaglebank/transaction-service/internal/fraud"
	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/cqrs"
	"github.com/eaglebank/transaction-service/shared/events"
	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/eaglebank/transaction-service/shared/utils"
	"go.uber.org/zap"
)

var ErrValidation = errors.New("validation failed")

// EventPublisher is satisfied by *events.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType, key string, data any) error
}

type Config struct {
	// FraudTimeout bounds the fraud evaluation of one transaction.
	FraudTimeout time.Duration
	// Topic receives transaction.posted events.
	Topic string
}

// FaultFlags mark the best-effort steps that did not complete.
type FaultFlags struct {
	FraudDegraded   bool `json:"fraudDegraded"`
	PublishDegraded bool `json:"publishDegraded"`
}

// CreateTransactionResult is the committed transaction together with the
// outcome of the post-commit steps.
type CreateTransactionResult struct {
	Transaction     *models.Transaction
	FraudAnnotation *models.FraudAnnotation
	Published       bool
	Faults          FaultFlags
	// Replayed is set when the idempotency key had already been used and
	// Transaction is the one recorded the first time.
	Replayed bool
	Stage    Stage
}

// TransactionCommandService posts transactions. The ledger write is the only
// step that can fail a request; fraud scoring and event publishing run after
// commit and only degrade the result.
type TransactionCommandService struct {
	uow         repository.UnitOfWork
	evaluator   fraud.Evaluator
	publisher   EventPublisher
	readRepo    *repository.TransactionReadRepository
	accountRepo *repository.AccountRepository
	cfg         Config
	logger      *zap.Logger

	inflight sync.WaitGroup
}

// NewTransactionCommandService wires the orchestrator. evaluator, readRepo
// and accountRepo may be nil.
func NewTransactionCommandService(
	uow repository.UnitOfWork,
	evaluator fraud.Evaluator,
	publisher EventPublisher,
	readRepo *repository.TransactionReadRepository,
	accountRepo *repository.AccountRepository,
	cfg Config,
	logger *zap.Logger,
) *TransactionCommandService {
	if cfg.FraudTimeout <= 0 {
		cfg.FraudTimeout = 2 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = events.TransactionsRawTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionCommandService{
		uow:         uow,
		evaluator:   evaluator,
		publisher:   publisher,
		readRepo:    readRepo,
		accountRepo: accountRepo,
		cfg:         cfg,
		logger:      logger,
	}
}

func (s *TransactionCommandService) CreateTransaction(ctx context.Context, cmd cqrs.CreateTransactionCommand) (*CreateTransactionResult, error) {
	stage := StageReceived

	in, err := newTransactionInput(cmd)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var txn *models.Transaction
	err = s.uow.Run(ctx, func(ctx context.Context, ledger repository.Ledger) error {
		var err error
		txn, err = ledger.CreateTransaction(ctx, in)
		return err
	})

	var dup *repository.DuplicateTransactionError
	if errors.As(err, &dup) {
		s.logger.Info("idempotent replay",
			zap.String("transaction_id", dup.Existing.ID),
			zap.String("account_id", in.AccountID),
			zap.String("idempotency_key", in.IdempotencyKey),
		)
		result := &CreateTransactionResult{
			Transaction:     dup.Existing,
			FraudAnnotation: dup.Existing.Fraud,
			Replayed:        true,
			Stage:           stage,
		}
		if err := result.Stage.advance(StagePersisted); err != nil {
			return nil, err
		}
		if err := result.Stage.advance(StageReturned); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	if err := stage.advance(StagePersisted); err != nil {
		return nil, err
	}

	s.logger.Info("AUDIT",
		zap.String("action", "create_transaction"),
		zap.String("customer_id", txn.CustomerID),
		zap.String("account_id", txn.AccountID),
		zap.String("transaction_id", txn.ID),
		zap.String("type", string(txn.Type)),
		zap.String("amount", txn.Amount.StringFixed(2)),
		zap.String("currency", txn.Currency),
	)

	// Everything past the commit runs detached from the caller so that a
	// cancelled request still gets scored and published.
	detached := context.WithoutCancel(ctx)
	done := make(chan *CreateTransactionResult, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		done <- s.afterCommit(detached, txn, stage)
	}()

	select {
	case result := <-done:
		if err := result.Stage.advance(StageReturned); err != nil {
			return nil, err
		}
		return result, nil
	case <-ctx.Done():
		s.logger.Warn("caller went away after commit, finishing in background",
			zap.String("transaction_id", txn.ID), zap.Error(ctx.Err()))
		return nil, fmt.Errorf("transaction %s committed: %w", txn.ID, ctx.Err())
	}
}

func (s *TransactionCommandService) afterCommit(ctx context.Context, txn *models.Transaction, stage Stage) *CreateTransactionResult {
	result := &CreateTransactionResult{Transaction: txn, Stage: stage}
	log := s.logger.With(zap.String("transaction_id", txn.ID))

	if s.accountRepo != nil {
		s.accountRepo.Invalidate(ctx, txn.AccountID)
	}

	if s.evaluator != nil {
		annotation, err := s.evaluate(ctx, txn.Snapshot())
		if err != nil {
			log.Warn("fraud evaluation degraded", zap.Error(err))
			result.Faults.FraudDegraded = true
		} else {
			txn.Fraud = annotation
			result.FraudAnnotation = annotation
			if err := s.uow.Run(ctx, func(ctx context.Context, ledger repository.Ledger) error {
				return ledger.AnnotateFraud(ctx, txn.ID, annotation)
			}); err != nil {
				log.Warn("failed to store fraud annotation", zap.Error(err))
			}
		}
	}
	_ = result.Stage.advance(StageEvaluated)

	err := s.publisher.Publish(ctx, s.cfg.Topic, events.TransactionPosted, txn.ID, events.NewTransactionPostedEvent(txn.Snapshot()))
	if err != nil {
		log.Warn("event publish degraded", zap.Error(err))
		result.Faults.PublishDegraded = true
	} else {
		result.Published = true
	}
	_ = result.Stage.advance(StagePublished)

	if s.readRepo != nil {
		s.readRepo.CacheTransactionView(ctx, txn.ToView())
	}
	return result
}

func (s *TransactionCommandService) evaluate(ctx context.Context, snapshot models.TransactionSnapshot) (*models.FraudAnnotation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FraudTimeout)
	defer cancel()

	annotation, err := s.evaluator.Evaluate(ctx, snapshot)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, fraud.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", fraud.ErrTimeout, err)
		}
		return nil, err
	}
	return annotation, nil
}

// Wait blocks until every post-commit step started so far has finished or
// ctx is done.
func (s *TransactionCommandService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight transactions: %w", ctx.Err())
	}
}

func newTransactionInput(cmd cqrs.CreateTransactionCommand) (repository.NewTransaction, error) {
	var in repository.NewTransaction

	if strings.TrimSpace(cmd.AccountID) == "" {
		return in, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if !cmd.Amount.Round(2).IsPositive() {
		return in, fmt.Errorf("%w: got %s", repository.ErrInvalidAmount, cmd.Amount.String())
	}
	typ, err := models.ParseTransactionType(strings.ToLower(cmd.Type))
	if err != nil {
		return in, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	channel := models.ChannelOnline
	if cmd.Channel != "" {
		if channel, err = models.ParseChannel(strings.ToLower(cmd.Channel)); err != nil {
			return in, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	currency := strings.ToUpper(cmd.Currency)
	if !utils.ValidateCurrency(currency) {
		return in, fmt.Errorf("%w: invalid currency %q", ErrValidation, cmd.Currency)
	}
	if !utils.ValidateIdempotencyKey(cmd.IdempotencyKey) {
		return in, fmt.Errorf("%w: idempotency key is required and at most 128 characters", ErrValidation)
	}

	return repository.NewTransaction{
		AccountID:        cmd.AccountID,
		CustomerID:       cmd.CustomerID,
		Type:             typ,
		Amount:           cmd.Amount,
		Currency:         currency,
		Channel:          channel,
		IdempotencyKey:   cmd.IdempotencyKey,
		MerchantName:     cmd.MerchantName,
		MerchantCategory: cmd.MerchantCategory,
		CountryCode:      strings.ToUpper(cmd.CountryCode),
		IPAddress:        cmd.IPAddress,
		DeviceID:         cmd.DeviceID,
		Description:      cmd.Description,
	}, nil
}
