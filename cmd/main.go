/**
 * @description
 * This is the main entry point for the payment webhook service. It loads configuration,
 * connects to PostgreSQL (applying migrations), wires the ingestion pipeline, starts the
 * background workers (reconciler and retry sweep on cron, outbox dispatcher on a ticker)
 * and serves HTTP until it receives a termination signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: optional processed-event cache.
 * - internal/api, internal/app, internal/config, internal/store, internal/webhook.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/payment-webhook-service/internal/api"
	"github.com/transfa/payment-webhook-service/internal/app"
	"github.com/transfa/payment-webhook-service/internal/config"
	"github.com/transfa/payment-webhook-service/internal/store"
	"github.com/transfa/payment-webhook-service/internal/webhook"
)

func main() {
	// Load .env for local development. Missing files are fine in deployed environments.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "component", "bootstrap", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	bootLog := logger.With("component", "bootstrap")
	bootLog.Info("starting payment-webhook-service", "port", cfg.ServerPort, "signature_scheme", cfg.SignatureScheme)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := store.Connect(ctx, store.PoolOptions{
		URL:           cfg.DatabaseURL,
		MaxConns:      cfg.DBMaxConns,
		MinConns:      cfg.DBMinConns,
		RetryAttempts: 10,
		RetryInterval: 2 * time.Second,
	})
	if err != nil {
		bootLog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	bootLog.Info("database connected")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, dbpool, logger); err != nil {
			bootLog.Error("database migration failed", "error", err)
			os.Exit(1)
		}
	}

	repository := store.NewPostgresRepository(dbpool)

	verifier, err := webhook.NewSignatureVerifier(cfg.SignatureScheme, cfg.WebhookSecret, cfg.AllowUnsignedWebhooks)
	if err != nil {
		bootLog.Error("signature verifier setup failed", "error", err)
		os.Exit(1)
	}
	if cfg.AllowUnsignedWebhooks && cfg.WebhookSecret == "" {
		bootLog.Warn("webhook signature verification disabled", "security", true)
	}

	renewer := app.NewRenewer(cfg.EventsExchange)
	processor := app.NewProcessor(renewer, cfg.EventsExchange)
	service := app.NewService(repository, webhook.NewValidator(verifier), processor, logger)

	if redisClient := connectRedis(ctx, cfg, bootLog); redisClient != nil {
		defer redisClient.Close()
		service.SetProcessedEventCache(app.NewRedisProcessedEventCache(redisClient, cfg.RedisKeyPrefix, cfg.ProcessedCacheTTL()))
	}

	reconciler := app.NewReconciler(repository, renewer, cfg.ReconcileWindow(), cfg.ReconcileBatchSize, logger)
	retrySweep := app.NewRetrySweep(repository, processor, cfg.RetrySweepMaxAttempts, logger)

	scheduler := app.NewScheduler(reconciler, retrySweep, logger, cfg)
	scheduler.Start()

	workersDone := make(chan struct{})
	if cfg.RabbitMQURL != "" {
		dispatcher := app.NewOutboxDispatcher(repository, app.RabbitPublisherFactory(cfg.RabbitMQURL), logger)
		dispatcher.SetPollInterval(cfg.OutboxPollInterval())
		go func() {
			defer close(workersDone)
			dispatcher.Run(ctx)
		}()
		bootLog.Info("outbox dispatcher started", "exchange", cfg.EventsExchange)
	} else {
		close(workersDone)
		bootLog.Warn("RABBITMQ_URL not set; outbox events will accumulate until a dispatcher runs")
	}

	if cfg.AdminJWTSecret == "" {
		bootLog.Info("admin routes disabled; ADMIN_JWT_SECRET not set")
	}
	router := api.NewRouter(api.RouterConfig{
		Webhook:        api.NewWebhookHandler(service, cfg.SignatureHeader, cfg.MaxWebhookBodyBytes, cfg.AckTerminalRejections, logger),
		Events:         repository,
		Admin:          api.NewAdminHandlers(repository, reconciler, retrySweep, logger),
		AdminJWTSecret: cfg.AdminJWTSecret,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown started", "component", "http")
	case err := <-serverErr:
		logger.Error("server stopped unexpectedly", "component", "http", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}

	<-scheduler.Stop().Done()
	<-workersDone
	logger.Info("shutdown complete", "component", "http")
}

// connectRedis returns a client for the processed-event cache, or nil when the cache
// is not configured or unreachable. The service works without it.
func connectRedis(ctx context.Context, cfg config.Config, log *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; processed-event cache disabled", "error", err)
		return nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed; processed-event cache disabled", "error", err)
		client.Close()
		return nil
	}

	log.Info("redis connected")
	return client
}
