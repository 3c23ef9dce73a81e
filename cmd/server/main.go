/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the savings ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), then command-line overrides
  2. Open the store selected by STORE_DRIVER
  3. Start the outbox relay (Kafka when KAFKA_BROKERS is set, else log)
  4. Build the ledger service and API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SERVER_TIMEOUT)
  3. Stop the relay after a final flush
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/savings.db"

  # Run against PostgreSQL
  STORE_DRIVER=postgres DATABASE_URL=postgres://... ./server

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - events/relay.go: Outbox delivery
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/savings-ledger/api"
	"github.com/warp/savings-ledger/config"
	"github.com/warp/savings-ledger/events"
	"github.com/warp/savings-ledger/savings"
	"github.com/warp/savings-ledger/savings/store"
	"github.com/warp/savings-ledger/store/postgres"
	"github.com/warp/savings-ledger/store/sqlite"
)

// ledgerStore is what every driver provides: the ledger store plus its outbox.
type ledgerStore interface {
	savings.Store
	savings.Outbox
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.App.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Store.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.App.Port = *port
	cfg.Store.SQLitePath = *dbPath

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger = logger.With("app", cfg.App.Name)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	// Outbox relay
	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize publisher: %w", err)
	}
	defer closePublisher()

	relay := events.NewRelay(st, publisher, logger)
	relay.Interval = cfg.Outbox.Interval
	relay.BatchSize = cfg.Outbox.BatchSize
	relay.Start()

	svc := savings.NewService(st, savings.WithLogger(logger), savings.WithNudger(relay))
	handler := api.NewHandler(svc, st, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins: cfg.App.CORSOrigins,
		JWTSecret:   cfg.Auth.JWTSecret,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"store", cfg.Store.Driver,
			"kafka", len(cfg.Kafka.Brokers) > 0,
			"jwt", cfg.Auth.JWTSecret != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		relay.Stop()
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.Timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	relay.Stop()
	if n, err := relay.Flush(shutdownCtx); err != nil {
		logger.Warn("final outbox flush failed", "error", err)
	} else if n > 0 {
		logger.Info("final outbox flush", "sent", n)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledgerStore, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, cfg.Store.DatabaseURL, cfg.Store.LockTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil

	case config.DriverMemory:
		return store.NewMemory(), func() {}, nil

	default:
		if cfg.Store.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
				return nil, nil, err
			}
		}
		lite, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() {
			if err := lite.Close(); err != nil {
				logger.Error("failed to close database", "error", err)
			}
		}, nil
	}
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.NewLogPublisher(logger), func() {}, nil
	}

	kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.TopicMap)
	if err != nil {
		return nil, nil, err
	}
	return kp, func() {
		if err := kp.Close(); err != nil {
			logger.Error("failed to close kafka writer", "error", err)
		}
	}, nil
}
