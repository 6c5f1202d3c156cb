package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eaglebank/transaction-service/internal/config"
	"github.com/eaglebank/transaction-service/internal/fraud"
	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/events"
	redisClient "github.com/eaglebank/transaction-service/shared/redis"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Resources owns every external handle the service uses. Open acquires them
// in dependency order and Close releases them in reverse.
type Resources struct {
	DB         *sql.DB
	Redis      *redisClient.Client
	Sink       events.Sink
	Publisher  *events.Publisher
	Evaluator  fraud.Evaluator
	UnitOfWork repository.UnitOfWork
	Reader     repository.Reader

	// Memory is set when the in-process ledger driver is selected.
	Memory *repository.MemoryLedger

	fraudClient *fraud.Client
	logger      *zap.Logger
}

func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Resources, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resources{logger: logger}
	defer func() {
		if err != nil {
			_ = r.Close(context.WithoutCancel(ctx))
		}
	}()

	policy := repository.RetryPolicy{MaxAttempts: cfg.Ledger.MaxAttempts, BaseDelay: cfg.Ledger.BaseBackoff}
	switch cfg.Ledger.Driver {
	case config.DriverMemory:
		r.Memory = repository.NewMemoryLedger(policy, logger.Named("ledger"))
		r.UnitOfWork = r.Memory
		r.Reader = r.Memory
		logger.Warn("using in-process ledger, balances are not durable")
	default:
		if r.DB, err = openDatabase(ctx, cfg.Database); err != nil {
			return nil, err
		}
		if cfg.Database.MigrateOnStart {
			if err = repository.Migrate(r.DB, logger); err != nil {
				return nil, err
			}
		}
		r.UnitOfWork = repository.NewSQLUnitOfWork(r.DB, policy, logger.Named("ledger"))
		r.Reader = repository.NewLedgerStore(r.DB)
	}

	r.Redis, err = redisClient.NewClient(ctx, redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}

	switch cfg.Events.Sink {
	case config.SinkAMQP:
		if r.Sink, err = events.NewAMQPSink(cfg.Events.AMQPURL, cfg.Events.AMQPExchange); err != nil {
			return nil, err
		}
	default:
		r.Sink = events.NewRedisStreamSink(r.Redis.Client, cfg.Events.StreamMaxLen)
	}
	r.Publisher = events.NewPublisher(r.Sink, events.PublisherConfig{
		Timeout:        cfg.Events.PublishTimeout,
		RetryQueueSize: cfg.Events.RetryQueueSize,
		MaxRetries:     cfg.Events.MaxRetries,
		RetryBackoff:   cfg.Events.RetryBackoff,
	}, logger.Named("publisher"))

	if cfg.Fraud.Enabled {
		r.fraudClient, err = fraud.NewClient(fraud.Config{
			Target:              cfg.Fraud.Target,
			Timeout:             cfg.Fraud.Timeout,
			ConsecutiveFailures: cfg.Fraud.BreakerFailures,
			OpenTimeout:         cfg.Fraud.BreakerOpenDuration,
		}, logger.Named("fraud"))
		if err != nil {
			return nil, err
		}
		r.Evaluator = r.fraudClient
	} else {
		logger.Warn("fraud evaluation disabled")
	}

	logger.Info("resources opened",
		zap.String("ledger", cfg.Ledger.Driver),
		zap.String("sink", cfg.Events.Sink),
		zap.Bool("fraud", cfg.Fraud.Enabled),
	)
	return r, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Close drains the publisher and releases every handle. It is safe to call
// on partially opened Resources.
func (r *Resources) Close(ctx context.Context) error {
	var errs []error
	if r.fraudClient != nil {
		if err := r.fraudClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fraud client: %w", err))
		}
	}
	if r.Publisher != nil {
		// Closes the sink once the retry queue is drained.
		if err := r.Publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	} else if r.Sink != nil {
		if err := r.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event sink: %w", err))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if len(errs) > 0 {
		r.logger.Warn("resources closed with errors", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}
