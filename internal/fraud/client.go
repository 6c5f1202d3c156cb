package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// EvaluateMethod is the full gRPC method name of the fraud evaluation call.
const EvaluateMethod = "/fraud.v1.FraudEvaluationService/Evaluate"

type Config struct {
	Target  string
	Timeout time.Duration

	// Breaker trips after ConsecutiveFailures failed calls and stays open
	// for OpenTimeout before letting a probe through.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration

	// DialOptions are appended to the defaults; tests use them to dial bufconn.
	DialOptions []grpc.DialOption
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// Client calls the fraud evaluation service over gRPC with a per-call
// timeout, behind a circuit breaker.
type Client struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create fraud client for %s: %w", cfg.Target, err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "fraud-evaluation",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("fraud circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		conn:    conn,
		breaker: breaker,
		timeout: cfg.Timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Evaluate scores the snapshot. It returns ErrTimeout when the call exceeds
// the configured timeout and ErrUnavailable when the service cannot be
// reached or the breaker is open.
func (c *Client) Evaluate(ctx context.Context, snapshot models.TransactionSnapshot) (*models.FraudAnnotation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		var resp EvaluateResponse
		if err := c.conn.Invoke(ctx, EvaluateMethod, newEvaluateRequest(snapshot), &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, c.mapError(ctx, snapshot.TransactionID, err)
	}

	resp := result.(*EvaluateResponse)
	annotation := resp.annotation(c.now())
	c.logger.Info("fraud evaluation completed",
		zap.String("transaction_id", snapshot.TransactionID),
		zap.Float64("score", annotation.Score),
		zap.String("decision", string(annotation.Decision)),
		zap.Float64("processing_ms", resp.ProcessingTimeMs),
	)
	return annotation, nil
}

func (c *Client) mapError(ctx context.Context, transactionID string, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case status.Code(err) == codes.DeadlineExceeded, errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, err)
	case status.Code(err) == codes.Unavailable:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.logger.Debug("fraud evaluation error", zap.String("transaction_id", transactionID), zap.Error(err))
	return fmt.Errorf("fraud evaluation failed: %w", err)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
