/*
Package config loads server configuration.

PRECEDENCE (lowest to highest):
  1. Defaults()
  2. TOML file (LoaderOptions.ConfigPath)
  3. Environment variables prefixed ENROLL_ (e.g. ENROLL_STORE_DRIVER)
  4. Command-line flags (LoaderOptions.Flags)

EXAMPLE FILE:
  port = 8080

  [store]
  driver = "sqlite"
  sqlite_path = "./data/enrollment.db"

  [cors]
  allowed_origins = ["http://localhost:5173"]

  [reconcile]
  schedule = "@every 5m"
  concurrency = 4

  [notify]
  queue_size = 1024
  workers = 4

  [log]
  level = "info"
  format = "json"

SEE ALSO:
  - cmd/server/main.go: Flag definitions
*/
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ENROLL_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port      int             `toml:"port" env:"PORT"`
	Demo      bool            `toml:"demo" env:"DEMO"`
	Store     StoreConfig     `toml:"store" envPrefix:"STORE_"`
	CORS      CORSConfig      `toml:"cors" envPrefix:"CORS_"`
	Reconcile ReconcileConfig `toml:"reconcile" envPrefix:"RECONCILE_"`
	Notify    NotifyConfig    `toml:"notify" envPrefix:"NOTIFY_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
}

type StoreConfig struct {
	Driver      string `toml:"driver" env:"DRIVER"`
	SQLitePath  string `toml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `toml:"postgres_dsn" env:"POSTGRES_DSN"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type ReconcileConfig struct {
	// Schedule is a cron spec; empty disables the scheduler.
	Schedule    string `toml:"schedule" env:"SCHEDULE"`
	Concurrency int    `toml:"concurrency" env:"CONCURRENCY"`
}

type NotifyConfig struct {
	QueueSize int `toml:"queue_size" env:"QUEUE_SIZE"`
	Workers   int `toml:"workers" env:"WORKERS"`
	Attempts  int `toml:"attempts" env:"ATTEMPTS"`
	// Inbox stores events for GET /api/users/{id}/notifications.
	Inbox bool `toml:"inbox" env:"INBOX"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Port: 8080,
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "enrollment.db",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Reconcile: ReconcileConfig{
			Schedule:    "@every 5m",
			Concurrency: 4,
		},
		Notify: NotifyConfig{
			QueueSize: 1024,
			Workers:   4,
			Attempts:  3,
			Inbox:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is an optional TOML file. If set, it must exist.
	ConfigPath string

	// Flags are CLI values; nil fields were not set on the command line.
	Flags FlagOverrides

	// Environ replaces os.Environ(), for tests.
	Environ map[string]string

	// Logger receives warnings such as unknown TOML keys.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override everything else.
type FlagOverrides struct {
	Port        *int
	StoreDriver *string
	SQLitePath  *string
	PostgresDSN *string
	LogLevel    *string
	Demo        *bool
}

// Load applies defaults, file, environment and flags in that order, then
// validates the result.
func Load(opts LoaderOptions) (Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Defaults()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}

	envOpts := env.Options{Prefix: EnvPrefix}
	if opts.Environ != nil {
		envOpts.Environment = opts.Environ
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	opts.Flags.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (f FlagOverrides) apply(cfg *Config) {
	if f.Port != nil {
		cfg.Port = *f.Port
	}
	if f.StoreDriver != nil {
		cfg.Store.Driver = *f.StoreDriver
	}
	if f.SQLitePath != nil {
		cfg.Store.SQLitePath = *f.SQLitePath
	}
	if f.PostgresDSN != nil {
		cfg.Store.PostgresDSN = *f.PostgresDSN
	}
	if f.LogLevel != nil {
		cfg.Log.Level = *f.LogLevel
	}
	if f.Demo != nil {
		cfg.Demo = *f.Demo
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q: must be one of memory, sqlite, postgres", c.Store.Driver)
	}

	if c.Reconcile.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			return fmt.Errorf("config: reconcile.schedule: %w", err)
		}
	}
	if c.Reconcile.Concurrency < 1 {
		return fmt.Errorf("config: reconcile.concurrency must be at least 1")
	}
	if c.Notify.QueueSize < 1 || c.Notify.Workers < 1 || c.Notify.Attempts < 1 {
		return fmt.Errorf("config: notify.queue_size, notify.workers and notify.attempts must be at least 1")
	}

	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// =============================================================================
// LOGGING
// =============================================================================

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger. Call after Validate.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ShutdownTimeout bounds graceful shutdown of the HTTP server and workers.
const ShutdownTimeout = 30 * time.Second
