/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the enrollment engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Open the store (memory, SQLite or PostgreSQL)
  3. Start the notification dispatcher
  4. Create the engine, API handler and reconciliation scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config     TOML config file (optional)
  -port       HTTP server port (default: 8080)
  -driver     Store driver: memory, sqlite, postgres (default: sqlite)
  -db         SQLite database path (default: enrollment.db)
              Use ":memory:" for in-memory database
  -pg-dsn     PostgreSQL connection string
  -log-level  debug, info, warn, error
  -demo       Load the busy-week scenario at startup

  Flags override ENROLL_* environment variables, which override the file.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Drain queued notifications
  5. Close database connection
  6. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/enrollment.db"

  # Run with in-memory store and demo data
  ./server -driver=memory -demo

  # Run against PostgreSQL
  ENROLL_STORE_POSTGRES_DSN=postgres://localhost/enroll ./server -driver=postgres

SEE ALSO:
  - config/config.go: Configuration sources and defaults
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Database implementations
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
	"syscall"
	"time"

	"github.com/warp/enrollment-engine/api"
	"github.com/warp/enrollment-engine/config"
	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/enrollment/store"
	"github.com/warp/enrollment-engine/metrics"
	"github.com/warp/enrollment-engine/notify"
	"github.com/warp/enrollment-engine/store/postgres"
	"github.com/warp/enrollment-engine/store/sqlite"
)

const demoScenario = "busy-week"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "TOML config file")
	port := flag.Int("port", 8080, "HTTP server port")
	driver := flag.String("driver", config.DriverSQLite, "Store driver: memory, sqlite, postgres")
	dbPath := flag.String("db", "enrollment.db", "SQLite database path")
	pgDSN := flag.String("pg-dsn", "", "PostgreSQL connection string")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	demo := flag.Bool("demo", false, "Load demo data at startup")
	flag.Parse()

	// Only flags given on the command line override the file and env.
	var overrides config.FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			overrides.Port = port
		case "driver":
			overrides.StoreDriver = driver
		case "db":
			overrides.SQLitePath = dbPath
		case "pg-dsn":
			overrides.PostgresDSN = pgDSN
		case "log-level":
			overrides.LogLevel = logLevel
		case "demo":
			overrides.Demo = demo
		}
	})

	cfg, err := config.Load(config.LoaderOptions{ConfigPath: *configPath, Flags: overrides})
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	// Notifications: log every event, and keep an inbox if enabled.
	var inbox notify.Inbox
	if cfg.Notify.Inbox {
		inbox = st.inbox
	}
	m := metrics.New()
	dispatcher := notify.NewDispatcher(
		notify.Fanout(notify.NewLogSink(logger), inbox),
		notify.WithQueueSize(cfg.Notify.QueueSize),
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithRetry(cfg.Notify.Attempts, 200*time.Millisecond),
		notify.WithLogger(logger),
		notify.WithObserver(m),
	)

	engine := enrollment.NewEngine(st.Store,
		enrollment.WithNotifier(dispatcher),
		enrollment.WithObserver(m),
		enrollment.WithLogger(logger),
	)

	// Initialize handler
	handler := api.NewHandler(engine, st.resetter, inbox, logger)
	scheduler := api.NewReconciliationScheduler(engine, cfg.Reconcile.Schedule, cfg.Reconcile.Concurrency, logger)
	scheduler.Observer = m
	handler.Scheduler = scheduler

	if cfg.Demo {
		if err := handler.LoadScenarioByID(ctx, demoScenario); err != nil {
			logger.Warn("failed to load demo scenario", "error", err)
		}
	}

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        m.Handler(),
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "driver", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a failed listener
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	scheduler.Stop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notifications not drained", "error", err, "pending", dispatcher.Pending())
	}

	logger.Info("server stopped")
	return nil
}

// openedStore bundles the store with the optional capabilities the server
// wires separately.
type openedStore struct {
	enrollment.Store
	resetter api.Resetter
	inbox    notify.Inbox
	close    func() error
}

func (s openedStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (openedStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		mem := store.NewMemory()
		return openedStore{Store: mem, resetter: mem, inbox: notify.NewMemoryInbox()}, nil

	case config.DriverSQLite:
		db, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return openedStore{}, err
		}
		return openedStore{Store: db, resetter: db, inbox: db, close: db.Close}, nil

	case config.DriverPostgres:
		db, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return openedStore{}, err
		}
		return openedStore{Store: db, resetter: db, inbox: db, close: db.Close}, nil

	default:
		return openedStore{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
