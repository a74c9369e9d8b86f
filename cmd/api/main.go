package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/offrampd/offramp-backend/internal/api"
	"github.com/offrampd/offramp-backend/internal/bridge"
	"github.com/offrampd/offramp-backend/internal/chain"
	"github.com/offrampd/offramp-backend/internal/config"
	"github.com/offrampd/offramp-backend/internal/log"
	"github.com/offrampd/offramp-backend/internal/metrics"
	"github.com/offrampd/offramp-backend/internal/offramp"
	"github.com/offrampd/offramp-backend/internal/payout"
	"github.com/offrampd/offramp-backend/internal/repository"
	"github.com/offrampd/offramp-backend/internal/status"
	"github.com/offrampd/offramp-backend/internal/webhook"
	"github.com/offrampd/offramp-backend/pkg/kv"
	kvredis "github.com/offrampd/offramp-backend/pkg/kv/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting off-ramp API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"version", "v1.0.0",
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("offramp-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Postgres for the audit trail and request lookups
	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		logger.Fatalw("Failed to open database", "error", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalw("Database ping failed", "error", err)
	}
	logger.Infow("Database connection established")
	repo := repository.NewRepository(db, logger)

	// Redis for status records, reservations, and settlement idempotency
	var records kv.Store
	records, err = kvredis.Connect(ctx, cfg.Cache.RedisAddr)
	if err != nil {
		logger.Fatalw("Failed to connect to redis", "addr", cfg.Cache.RedisAddr, "error", err)
	}
	defer records.Close()
	logger.Infow("Redis connection established", "addr", cfg.Cache.RedisAddr)

	// Provider clients
	bridgeClient := bridge.NewClient(cfg.Bridge.APIURL, cfg.Bridge.APIKey, logger)
	payoutClient := payout.NewClient(cfg.Payout.APIURL, cfg.Payout.APIKey, logger)
	sponsor := chain.NewSponsorClient(cfg.Settlement.SponsorAPIURL, cfg.Settlement.SponsorAPIKey, logger)

	// Settlement chain client and executor
	ethClient, err := chain.Dial(ctx, cfg.Settlement.RPCURL)
	if err != nil {
		logger.Fatalw("Failed to dial settlement RPC", "url", cfg.Settlement.RPCURL, "error", err)
	}
	defer ethClient.Close()

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		logger.Fatalw("Failed to fetch settlement chain id", "error", err)
	}
	logger.Infow("Settlement chain connected", "chainId", chainID.String())

	executor, err := chain.NewExecutor(
		ethClient,
		chainID,
		cfg.Settlement.PrivateKey,
		common.HexToAddress(cfg.Settlement.TokenAddress),
		cfg.Settlement.TokenDecimals,
		records,
		logger,
	)
	if err != nil {
		logger.Fatalw("Failed to create settlement executor", "error", err)
	}

	// Shared status store, webhook reconciler, and the saga orchestrator
	statusStore := status.NewStore(records, logger)
	reconciler := webhook.NewReconciler(cfg.Payout.WebhookSecret, statusStore, repo, metricsObj, logger)

	orchestrator := offramp.NewOrchestrator(
		bridgeClient,
		payoutClient,
		sponsor,
		executor,
		statusStore,
		repo,
		offramp.Config{
			BridgePollInterval: cfg.Saga.BridgePollInterval,
			BridgePollTimeout:  cfg.Saga.BridgePollTimeout,
			PayoutPollInterval: cfg.Saga.PayoutPollInterval,
			PayoutPollTimeout:  cfg.Saga.PayoutPollTimeout,
			RetryMaxAttempts:   cfg.Saga.RetryMaxAttempts,
			RetryBaseDelay:     cfg.Saga.RetryBaseDelay,
			SettlementNetwork:  "base",
		},
		logger,
		metricsObj,
	)

	// Setup API handler and middleware
	handler := api.NewHandler(orchestrator, reconciler, payoutClient, repo, cfg, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)

	// Create router with middleware and routes - pass security config to Routes
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server. WriteTimeout must outlast the saga's polling
	// budget since submissions run synchronously.
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Saga.BridgePollTimeout + cfg.Saga.PayoutPollTimeout + 60*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
