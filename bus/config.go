package bus

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the Bus's tunable surface: claim/retry/backoff knobs plus
// NotifyStrategy selection. Defaults match spec.md §6's configuration
// table. Struct tags follow the teacher's scheduler/database module
// config style (json/toml/env), scaled down to a direct TOML-file +
// env-var-override loader rather than the teacher's full feeder stack.
type Config struct {
	// PollIntervalMs is the Polling strategy's wake-up interval.
	PollIntervalMs int64 `toml:"poll_interval_ms" json:"pollIntervalMs" env:"EVENTBUS_POLL_INTERVAL_MS"`

	// BatchSize is the max deliveries claimed per processNow call.
	BatchSize int `toml:"batch_size" json:"batchSize" env:"EVENTBUS_BATCH_SIZE"`

	// MaxAttempts is the delivery attempt ceiling before dead-lettering.
	MaxAttempts int `toml:"max_attempts" json:"maxAttempts" env:"EVENTBUS_MAX_ATTEMPTS"`

	// RetryDelayMs is the base exponential-backoff delay.
	RetryDelayMs int64 `toml:"retry_delay_ms" json:"retryDelayMs" env:"EVENTBUS_RETRY_DELAY_MS"`

	// MaxDelayMs caps the exponential-backoff delay.
	MaxDelayMs int64 `toml:"max_delay_ms" json:"maxDelayMs" env:"EVENTBUS_MAX_DELAY_MS"`

	// DeliverTimeout bounds a single Notifier.Deliver call.
	DeliverTimeout time.Duration `toml:"deliver_timeout" json:"deliverTimeout" env:"EVENTBUS_DELIVER_TIMEOUT"`

	// MaxConcurrentConnections bounds fan-out within one processNow
	// batch; 0 means unlimited.
	MaxConcurrentConnections int `toml:"max_concurrent_connections" json:"maxConcurrentConnections" env:"EVENTBUS_MAX_CONCURRENT_CONNECTIONS"`

	// ShutdownTimeout bounds how long Stop waits for an in-flight
	// processNow to finish before returning an error.
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" json:"shutdownTimeout" env:"EVENTBUS_SHUTDOWN_TIMEOUT"`

	// NotifyStrategy selects the wake-up mechanism: "bus", "server",
	// "polling", or "" for auto-select (see notify.Select).
	NotifyStrategy string `toml:"notify_strategy" json:"notifyStrategy" env:"EVENTBUS_NOTIFY_STRATEGY"`

	// BusURL, when set, selects BusNotify (nats://... or redis://...).
	BusURL string `toml:"bus_url" json:"busUrl" env:"EVENTBUS_BUS_URL"`

	// ServerNotifyChannel is the Postgres LISTEN/NOTIFY channel name.
	ServerNotifyChannel string `toml:"server_notify_channel" json:"serverNotifyChannel" env:"EVENTBUS_SERVER_NOTIFY_CHANNEL"`

	// PostgresDSN, when set, is used both for the Store and, if the
	// dialect supports LISTEN, for ServerNotify's dedicated connection.
	PostgresDSN string `toml:"postgres_dsn" json:"postgresDsn" env:"EVENTBUS_POSTGRES_DSN"`

	// SQLiteDSN, when PostgresDSN is empty, selects the SQLite dialect.
	SQLiteDSN string `toml:"sqlite_dsn" json:"sqliteDsn" env:"EVENTBUS_SQLITE_DSN"`
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		PollIntervalMs:           5000,
		BatchSize:                100,
		MaxAttempts:              20,
		RetryDelayMs:             1000,
		MaxDelayMs:               3_600_000,
		DeliverTimeout:           30 * time.Second,
		MaxConcurrentConnections: 0,
		ShutdownTimeout:          30 * time.Second,
		NotifyStrategy:           "",
		SQLiteDSN:                "file::memory:?cache=shared",
	}
}

// LoadConfig reads a TOML file at path (if non-empty; a missing
// optional path is not an error) into DefaultConfig(), then applies
// environment-variable overrides named by each field's env tag. This
// is the teacher's two-source layering (file + env) without its full
// feeder/DI machinery (see DESIGN.md).
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("bus: decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("bus: stat config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("EVENTBUS_POLL_INTERVAL_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.PollIntervalMs = n
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_MAX_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_RETRY_DELAY_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RetryDelayMs = n
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_MAX_DELAY_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxDelayMs = n
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_DELIVER_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DeliverTimeout = d
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_MAX_CONCURRENT_CONNECTIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentConnections = n
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_SHUTDOWN_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v, ok := os.LookupEnv("EVENTBUS_NOTIFY_STRATEGY"); ok {
		cfg.NotifyStrategy = v
	}
	if v, ok := os.LookupEnv("EVENTBUS_BUS_URL"); ok {
		cfg.BusURL = v
	}
	if v, ok := os.LookupEnv("EVENTBUS_SERVER_NOTIFY_CHANNEL"); ok {
		cfg.ServerNotifyChannel = v
	}
	if v, ok := os.LookupEnv("EVENTBUS_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
	if v, ok := os.LookupEnv("EVENTBUS_SQLITE_DSN"); ok {
		cfg.SQLiteDSN = v
	}
}
