/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the punch ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file + PUNCH_* env)
  2. Build the zap logger and the tracer provider
  3. Open the store (sqlite, postgres or memory)
  4. Build the engine, authenticator and API handler
  5. Start the audit scheduler and the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the audit scheduler, flush traces
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/punches.db"

  # Run against postgres
  PUNCH_STORE_DRIVER=postgres PUNCH_STORE_DSN=postgres://... ./server

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - config/config.go: All settings and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/punch-ledger/api"
	"github.com/warp/punch-ledger/auth"
	"github.com/warp/punch-ledger/config"
	"github.com/warp/punch-ledger/ledger"
	memstore "github.com/warp/punch-ledger/ledger/store"
	"github.com/warp/punch-ledger/logging"
	"github.com/warp/punch-ledger/store/postgres"
	"github.com/warp/punch-ledger/store/sqlite"
	"github.com/warp/punch-ledger/telemetry"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "punch-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.DSN = *dbPath
	}

	logger, flush, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer flush()

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return err
	}

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	engine := ledger.NewEngine(store,
		ledger.WithPolicy(policy),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(ledger.NewMetrics(registry)),
		ledger.WithOperationTimeout(cfg.Engine.OperationTimeout),
		ledger.WithMaxRetries(cfg.Engine.MaxRetries),
		ledger.WithRetryBackoff(cfg.Engine.RetryBackoff),
	)

	authenticator, closeLimiter, err := newAuthenticator(ctx, cfg.Auth, logger.Named("auth"))
	if err != nil {
		return err
	}
	defer closeLimiter()

	handler := api.NewHandler(engine, authenticator, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:     cfg.Server.CORSOrigins,
		Registry:        registry,
		EnableScenarios: cfg.Server.EnableScenarios,
	})

	scheduler := api.NewAuditScheduler(engine, logger.Named("audit"), registry)
	scheduler.CheckInterval = cfg.Engine.AuditInterval
	scheduler.Enabled = cfg.Engine.AuditInterval > 0
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (ledger.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := postgres.New(connectCtx, cfg.DSN, logger.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store: data is lost on restart")
		return memstore.NewMemory(), func() {}, nil
	default:
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}

func newAuthenticator(ctx context.Context, cfg config.AuthConfig, logger *zap.Logger) (*auth.Authenticator, func(), error) {
	pinHash := cfg.AdminPINHash
	if pinHash == "" {
		if cfg.AdminPIN == "1234" {
			logger.Warn("admin PIN is the default; set PUNCH_ADMIN_PIN")
		}
		h, err := auth.HashPIN(cfg.AdminPIN, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("hash admin PIN: %w", err)
		}
		pinHash = h
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		// Sessions will not survive a restart or span instances.
		logger.Warn("no jwt_secret configured, using a random per-process secret")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, err
		}
	}

	var limiter auth.Limiter
	closeLimiter := func() {}
	if cfg.RedisAddr != "" {
		rl, err := auth.NewRedisLimiter(ctx, auth.RedisOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		limiter = rl
		closeLimiter = func() { rl.Close() }
	}

	a, err := auth.New(auth.Config{
		PINHash:     pinHash,
		Secret:      secret,
		TokenTTL:    cfg.TokenTTL,
		MaxAttempts: cfg.MaxAttempts,
		Window:      cfg.LockoutWindow,
	}, limiter, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, closeLimiter, nil
}
