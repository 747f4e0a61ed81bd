// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coinshop-payments/internal/config"
	"coinshop-payments/internal/infra/api"
	pg "coinshop-payments/internal/infra/db/postgres"
	"coinshop-payments/internal/infra/logging"
	"coinshop-payments/internal/infra/metrics"
	"coinshop-payments/internal/infra/payment"
	red "coinshop-payments/internal/infra/redis"
	"coinshop-payments/internal/infra/sched"
	"coinshop-payments/internal/usecase"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	logger.Info().Str("version", version).Str("commit", commit).Bool("dev", cfg.Runtime.Dev).Msg("starting coinshop-payments")

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	go pg.ReportPoolStats(ctx, pool, 15*time.Second)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	go redisClient.ReportPoolStats(ctx, 15*time.Second)
	locker := red.NewLocker(redisClient, 5*time.Second)
	abuseLimiter := red.NewRateLimiter(redisClient)
	invoiceCache := red.NewInvoiceCache(redisClient, logger)

	// ---- BTCPay ----
	gateway, err := payment.NewClient(payment.OptionsFromConfig(cfg.Gateway), logger, payment.WithInvoiceCache(invoiceCache))
	if err != nil {
		logger.Fatal().Err(err).Msg("btcpay client")
	}
	logger.Info().
		Str("base_url", cfg.Gateway.BaseURL).
		Str("store_id", cfg.Gateway.StoreID).
		Str("api_token", logging.Redact(cfg.Gateway.APIToken, cfg.Runtime.Dev)).
		Msg("btcpay client configured")
	verifier, err := payment.NewSignatureVerifier(cfg.Gateway.WebhookSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("webhook verifier")
	}

	// ---- Repositories ----
	invoiceRepo := pg.NewInvoiceRepo(pool)
	intentRepo := pg.NewPurchaseIntentRepo(pool)
	eventRepo := pg.NewWebhookEventRepo(pool)
	balanceRepo := pg.NewBalanceRepo(pool)
	paymentRepo := pg.NewInvoicePaymentRepo(pool)
	txManager := pg.NewTxManager(pool)

	// ---- Use cases ----
	reconUC := usecase.NewReconciliationUseCase(invoiceRepo, intentRepo, eventRepo, balanceRepo, paymentRepo, txManager, verifier, locker, logger)
	poller := payment.NewStatusPoller(usecase.NewReconcilingFetcher(gateway, reconUC), cfg.Polling.Interval, cfg.Polling.Budget, logger)
	checkoutUC := usecase.NewCheckoutUseCase(gateway, poller, invoiceRepo, intentRepo, txManager, logger)

	// ---- Webhook registration ----
	if cfg.Gateway.WebhookURL != "" {
		regCtx, regCancel := context.WithTimeout(ctx, time.Minute)
		if _, err := gateway.EnsureWebhookRegistered(regCtx); err != nil {
			// The reconciler still catches up on missed events.
			logger.Error().Err(err).Msg("webhook registration failed")
		}
		regCancel()
	} else {
		logger.Warn().Msg("gateway.webhook_url not set; relying on polling and the stale invoice reconciler")
	}

	// ---- HTTP ----
	var auth *api.AuthManager
	if cfg.API.JWTSecret != "" {
		auth, err = api.NewAuthManager(cfg.API.JWTSecret)
		if err != nil {
			logger.Fatal().Err(err).Msg("api auth")
		}
	} else {
		logger.Warn().Msg("dev mode without api.jwt_secret; invoice API is unauthenticated")
	}
	srv := api.NewServer(reconUC, checkoutUC, abuseLimiter, auth, api.OptionsFromConfig(cfg), logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown waits for active connections; event streams only end once
	// their subscriptions do.
	server.RegisterOnShutdown(srv.CloseStreams)
	server.RegisterOnShutdown(func() { _ = poller.Close() })
	go func() {
		logger.Info().Str("addr", server.Addr).Str("webhook_path", cfg.Webhook.Path).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Workers ----
	reconciler := sched.NewInvoiceReconciler(gateway, reconUC, invoiceRepo, cfg.Reconciler.Interval, cfg.Reconciler.StaleAfter, logger).
		WithBatch(cfg.Reconciler.Batch)
	go func() { _ = reconciler.Run(ctx) }()
	archiver := sched.NewArchiveWorker(gateway, invoiceRepo, cfg.Archive.Interval, cfg.Archive.Retention, logger)
	go func() { _ = archiver.Run(ctx) }()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := poller.Close(); err != nil {
		logger.Error().Err(err).Msg("status poller close")
	}
	logger.Info().Msg("stopped")
}
