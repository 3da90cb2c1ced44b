// Package main is the entry point for the attest API server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/config"
	"github.com/abdul-hamid-achik/attest/internal/database"
	"github.com/abdul-hamid-achik/attest/internal/handlers"
	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/metrics"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

var version = "dev"

// verifyPageSize is the page size used when re-verifying the audit chain.
const verifyPageSize = 1000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// backend combines the stores the API serves. The audit chain may live in
// a different store than identities and signatures.
type backend struct {
	store.IdentityStore
	store.SignatureStore
	store.AuditStore
}

func run() error {
	// Load configuration
	cfg, err := config.Load(os.Getenv("ATTEST_CONFIG"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.Setup(os.Stdout, cfg.LogLevel, true)

	logger.Info("starting attestd",
		"version", version,
		"env", cfg.Env,
		"storage", cfg.Storage.Driver,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		primary store.Store
		dbPool  *pgxpool.Pool
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL")
		db, err := database.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		primary = store.NewPostgresStore(db)
		dbPool = db.Pool
	default:
		s, err := store.NewBoltStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer s.Close()
		primary = s
	}

	be := &backend{IdentityStore: primary, SignatureStore: primary, AuditStore: primary}
	if cfg.Audit.Driver == config.DriverSQLite {
		ledger, err := store.OpenSQLiteAuditStore(cfg.Audit.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open audit ledger: %w", err)
		}
		defer ledger.Close()
		be.AuditStore = ledger
		logger.Info("audit ledger on SQLite", "path", cfg.Audit.SQLitePath)
	}

	// Redis is optional; without it rate limits are per process.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		logger.Info("connecting to Redis")
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opt.MaxRetries = cfg.Redis.MaxRetries
		opt.PoolSize = cfg.Redis.PoolSize
		opt.MinIdleConns = cfg.Redis.MinIdleConns
		redisClient = redis.NewClient(opt)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("failed to close redis client", "error", err)
			}
		}()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping Redis: %w", err)
		}
		logger.Info("connected to Redis")
	}

	router := handlers.NewRouter(&handlers.Dependencies{
		Config: cfg,
		Store:  be,
		DB:     dbPool,
		Redis:  redisClient,
		Logger: logger,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start background tasks
	if cfg.Audit.VerifyInterval > 0 {
		go func() {
			verifyChain(ctx, logger, be.AuditStore)

			ticker := time.NewTicker(cfg.Audit.VerifyInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					verifyChain(ctx, logger, be.AuditStore)
				}
			}
		}()
	}

	// Start metrics collector (every 30 seconds)
	go metrics.StartCollector(ctx, be, dbPool, 30*time.Second)

	// Start server in goroutine
	go func() {
		logger.Info("server listening",
			"addr", cfg.ServerAddr(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// verifyChain walks the audit chain from genesis and publishes the result
// on the audit_chain_broken gauge.
func verifyChain(ctx context.Context, logger *slog.Logger, s store.AuditStore) {
	start := time.Now()
	n, err := audit.VerifyStore(ctx, s, verifyPageSize)
	switch {
	case errors.Is(err, audit.ErrChainBroken):
		metrics.AuditChainBroken.Set(1)
		logger.Error("audit_chain_broken", "verified", n, "error", err)
	case err != nil:
		if ctx.Err() == nil {
			logger.Error("audit verification failed", "error", err)
		}
	default:
		metrics.AuditChainBroken.Set(0)
		logger.Info("audit chain verified", "entries", n, "duration", time.Since(start))
	}
}
