package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/eaglebank/transaction-service/internal/app"
	txcmd "github.com/eaglebank/transaction-service/internal/command"
	"github.com/eaglebank/transaction-service/internal/config"
	"github.com/eaglebank/transaction-service/internal/handler"
	"github.com/eaglebank/transaction-service/internal/logging"
	txqry "github.com/eaglebank/transaction-service/internal/query"
	"github.com/eaglebank/transaction-service/internal/repository"
	"github.com/eaglebank/transaction-service/shared/events"
	"github.com/eaglebank/transaction-service/shared/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("transaction service stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resources, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// CQRS: read repo and account cache over the ledger
	readRepo := repository.NewTransactionReadRepository(resources.Reader, resources.Redis.Client, cfg.Redis.ViewTTL, logger)
	accountRepo := repository.NewAccountRepository(resources.Reader, resources.Redis.Client, logger)

	commandSvc := txcmd.NewTransactionCommandService(
		resources.UnitOfWork,
		resources.Evaluator,
		resources.Publisher,
		readRepo,
		accountRepo,
		txcmd.Config{FraudTimeout: cfg.Fraud.Timeout, Topic: cfg.Events.Topic},
		logger.Named("command"),
	)
	querySvc := txqry.NewTransactionQueryService(readRepo, accountRepo)
	transactionHandler := handler.NewTransactionHandler(commandSvc, querySvc, logger.Named("handler"))

	router := gin.New()
	router.Use(gin.Recovery(), middleware.LoggingMiddleware(logger.Named("http")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1/accounts/:accountId/transactions", middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	transactionHandler.RegisterRoutes(v1, cfg.Auth.CreateRole)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("transaction service starting", zap.Int("port", cfg.HTTP.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// The projector only has a stream to follow when events go to Redis.
	if cfg.Events.Sink == config.SinkRedis && cfg.Events.ProjectorOn {
		projector := txqry.NewProjector(resources.Redis.Client, readRepo, 0, logger.Named("projector"))
		subscriber := events.NewSubscriber(resources.Redis.Client, events.SubscriberConfig{
			Group:    cfg.Events.ConsumerGroup,
			Consumer: cfg.Events.ConsumerName,
			Stream:   cfg.Events.Topic,
			Handler:  projector.HandleTransactionEvent,
			Logger:   logger.Named("subscriber"),
		})
		g.Go(func() error {
			if err := subscriber.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
		if err := commandSvc.Wait(shutdownCtx); err != nil {
			logger.Warn("in-flight transactions not finished", zap.Error(err))
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Events.DrainTimeout)
		defer cancelDrain()
		return resources.Close(drainCtx)
	})

	return g.Wait()
}
