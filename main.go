package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/api"
	"gap-trading-bot/internal/broker"
	"gap-trading-bot/internal/cache"
	"gap-trading-bot/internal/coordinator"
	"gap-trading-bot/internal/events"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/logging"
	"gap-trading-bot/internal/marketdata"
	"gap-trading-bot/internal/orders"
	"gap-trading-bot/internal/risk"
	"gap-trading-bot/internal/store"
	"gap-trading-bot/internal/strategy"
	"gap-trading-bot/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	// Market session clocks; everything downstream shares this timezone.
	session, err := risk.NewSession(cfg.MarketConfig)
	if err != nil {
		log.Fatalf("Failed to build market session: %v", err)
	}
	loc := session.Location()

	// Initialize event bus
	eventBus := events.NewBus()

	// Broker credentials come from Vault when it is enabled; the config file
	// keys are the fallback for local development.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}
	if vaultClient.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := vaultClient.Health(ctx); err != nil {
			cancel()
			log.Fatalf("Vault health check failed: %v", err)
		}
		creds, err := vaultClient.GetBrokerCredentials(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to load broker credentials from vault: %v", err)
		}
		cfg.BrokerConfig.APIKey = creds.APIKey
		cfg.BrokerConfig.SecretKey = creds.SecretKey
		cfg.BrokerConfig.PaperTrading = creds.Paper
		logger.Info("Broker credentials loaded from vault")
	}
	if cfg.BrokerConfig.APIKey == "" || cfg.BrokerConfig.SecretKey == "" {
		log.Fatalf("Broker credentials missing: set them in config, env, or vault")
	}

	// Redis-backed cache with in-memory fallback
	kv, err := cache.NewCacheService(cfg.RedisConfig)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer kv.Close()

	// Database is optional; without it the bot runs on the in-memory ledger
	// alone and loses restart recovery.
	var repo *store.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := store.NewDB(cfg.DatabaseConfig)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(context.Background()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		repo = store.NewRepository(db, loc)
	} else {
		logger.Warn("Database disabled: day tallies will not survive a restart")
	}

	// The token bucket covers the trading API; the data API is rate limited
	// separately upstream and the data client backs off on 429s itself.
	limiter := broker.NewRateLimiter(cfg.BrokerConfig.RateLimitPerMin)
	callTimeout := time.Duration(cfg.BrokerConfig.CallTimeoutSecs) * time.Second
	alpaca := broker.NewAlpacaClient(cfg.BrokerConfig.BaseURL,
		cfg.BrokerConfig.APIKey, cfg.BrokerConfig.SecretKey, limiter, callTimeout)

	dataClient := marketdata.NewAlpacaClient(cfg.BrokerConfig.DataBaseURL,
		cfg.BrokerConfig.APIKey, cfg.BrokerConfig.SecretKey)
	quoteTTL := time.Duration(cfg.MarketConfig.QuoteTTLSecs) * time.Second
	data := marketdata.NewService(dataClient, kv, quoteTTL, loc)

	// Day ledger with limits from config
	dl := ledger.New(ledger.Limits{
		MaxConcurrent:   cfg.RiskConfig.MaxConcurrent,
		TradeCapLosing:  cfg.RiskConfig.TradeCapLosing,
		TradeCapWinning: cfg.RiskConfig.TradeCapWinning,
		DailyLossLimit:  cfg.RiskConfig.DailyLossLimit,
		StopOutCooldown: time.Duration(cfg.RiskConfig.StopOutCooldownS) * time.Second,
		PendingLock:     time.Duration(cfg.RiskConfig.PendingLockS) * time.Second,
	}, loc, logger.WithComponent("ledger"))

	// Restore today's tallies after a mid-session restart so the daily loss
	// limit and trade caps pick up where they left off.
	if repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tallies, err := repo.LoadDayTallies(ctx, time.Now().In(loc))
		cancel()
		if err != nil {
			logger.Error("Failed to restore day tallies", "error", err)
		} else if tallies.TradesOpened > 0 || tallies.RealizedPnL != 0 {
			dl.RestoreTallies(tallies.RealizedPnL, tallies.TradesOpened, tallies.Wins, tallies.Losses)
		}
	}

	gate := risk.NewGate(session, dl, alpaca, cfg.StrategyConfig, logger.WithComponent("gate"))
	evaluator := strategy.NewEvaluator(cfg.StrategyConfig, logger.WithComponent("strategy"))
	idGen := orders.NewGenerator(kv, loc)

	var sink coordinator.EvaluationSink
	if repo != nil {
		sink = repo
		store.NewWriter(repo, eventBus, logger.WithComponent("store"))
	}

	engine := coordinator.New(cfg, data, alpaca, gate, session, dl, evaluator, idGen,
		eventBus, sink, logger.WithComponent("coordinator"))

	// Surface any broker positions this process does not manage before the
	// loops start.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := engine.Reconcile(ctx); err != nil {
			logger.Warn("Startup reconciliation failed", "error", err)
		}
		cancel()
	}

	server := api.NewServer(cfg.ServerConfig, engine, dl, repo, kv, eventBus,
		logger.WithComponent("api"))
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start trading engine: %v", err)
	}
	logger.Info("Gap trading engine started",
		"paper", cfg.BrokerConfig.PaperTrading,
		"watchlist", len(cfg.ScannerConfig.Watchlist),
		"api", cfg.ServerConfig.Port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	shutdownTimeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop scanning first so no new entries race the server drain. Open
	// positions keep their broker-side bracket legs; they are not closed on
	// shutdown.
	engine.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}

	logger.Info("Shutdown complete")
}
