package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/taskpay/backend/internal/accounts"
	"github.com/taskpay/backend/internal/auth"
	"github.com/taskpay/backend/internal/config"
	"github.com/taskpay/backend/internal/dashboard"
	"github.com/taskpay/backend/internal/database"
	"github.com/taskpay/backend/internal/events"
	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/middleware"
	"github.com/taskpay/backend/internal/payouts"
	"github.com/taskpay/backend/internal/repository"
	"github.com/taskpay/backend/internal/router"
	"github.com/taskpay/backend/internal/tasks"
	"github.com/taskpay/backend/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool, logger); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}

	accountRepo := repository.NewAccountRepo(pool)
	txnRepo := repository.NewTransactionRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	payoutRepo := repository.NewPayoutRepo(pool)
	eventRepo := repository.NewEventRepo(pool)

	// Ledger, with committed transactions published to Kafka when enabled.
	var ledgerOpts []ledger.Option
	if cfg.Kafka.Enabled {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			slog.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		publisher := events.NewKafkaPublisher(producer, cfg.Kafka.Topic, logger)
		defer publisher.Close()
		ledgerOpts = append(ledgerOpts, ledger.WithPublisher(publisher))
		slog.Info("Publishing ledger transactions", "topic", cfg.Kafka.Topic)
	}
	ledgerSvc := ledger.NewService(pool, accountRepo, txnRepo, ledger.Config{
		KYCFee:          cfg.Fees.KYCFee,
		KYCReferralCut:  cfg.Fees.KYCReferralCut,
		ReactivationFee: cfg.Fees.ReactivationFee,
		MaxRetries:      cfg.Ledger.MaxRetries,
		Location:        cfg.Fees.Location,
	}, logger, ledgerOpts...)

	// Settlement jobs: insert func is set after the River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn tasks.InsertSettleTxFunc
	insertSettle := func(ctx context.Context, tx pgx.Tx, args tasks.SettleTaskPaymentArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	coordinator := tasks.NewCoordinator(ledgerSvc, pool, taskRepo, insertSettle, cfg.Fees.PlatformFeePercent, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, tasks.NewSettleTaskPaymentWorker(coordinator, cfg.Jobs.DeferredRetryInterval, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Jobs.MaxWorkers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args tasks.SettleTaskPaymentArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	accountSvc := accounts.NewService(ledgerSvc, accountRepo, logger)
	payoutSvc := payouts.NewService(ledgerSvc, payoutRepo, logger)

	dispatcher, err := workflow.NewDispatcher(ledgerSvc, coordinator, eventRepo, pool, logger)
	if err != nil {
		slog.Error("Failed to compile workflow event schemas", "error", err)
		os.Exit(1)
	}

	var idemStore middleware.IdempotencyStore
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis", "error", err)
			os.Exit(1)
		}
		idemStore = middleware.NewRedisIdempotencyStore(rdb)
	} else {
		slog.Warn("Redis disabled; Idempotency-Key headers are ignored")
	}

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.ServiceTokenHash)

	apiRouter := router.New(router.Deps{
		Tokens:      authSvc,
		Service:     authSvc,
		Idempotency: idemStore,
		IdemTTL:     cfg.Idempotency.TTL,
		DB:          pool,
		Accounts:    accounts.NewHandler(accountSvc, logger),
		Tasks:       tasks.NewHandler(coordinator, logger),
		Payouts:     payouts.NewHandler(payoutSvc, logger),
		Dashboard:   dashboard.NewHandler(ledgerSvc, accountSvc, logger),
		Workflow:    workflow.NewHandler(dispatcher, logger),
		Log:         logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.IdempotencyHeader},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes settlement jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	serverAddr := "0.0.0.0:" + cfg.HTTP.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop failed", "error", err)
	}
}
