// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	DB       DBConfig       `mapstructure:"db"`
	Provider ProviderConfig `mapstructure:"provider"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the status API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs batch processing behavior per invocation.
type WorkerConfig struct {
	BatchSize         int    `mapstructure:"batch_size"`
	CheckDelayMs      int    `mapstructure:"check_delay_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	StalenessMinutes  int    `mapstructure:"staleness_minutes"`
	TickSchedule      string `mapstructure:"tick_schedule"`
	TickBudgetSeconds int    `mapstructure:"tick_budget_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// ProviderConfig points at the ranking provider API.
type ProviderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LedgerConfig points at the billing service.
type LedgerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds topics for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	AccountsTopic string `mapstructure:"accounts_topic"`
	OperatorTopic string `mapstructure:"operator_topic"`
}

// NotifyConfig selects the notifier backend.
type NotifyConfig struct {
	Backend string `mapstructure:"backend"`
}

// StorageConfig selects the batch store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.check_delay_ms", 1000)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.staleness_minutes", 10)
	v.SetDefault("worker.tick_schedule", "@every 1m")
	v.SetDefault("worker.tick_budget_seconds", 50)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	// Local stubs for dev mode; production sets the real endpoints.
	v.SetDefault("provider.base_url", "http://localhost:9101")
	v.SetDefault("provider.timeout_seconds", 30)
	v.SetDefault("ledger.base_url", "http://localhost:9102")
	v.SetDefault("ledger.timeout_seconds", 10)
	v.SetDefault("notify.backend", "memory")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if c.Worker.StalenessMinutes <= 0 {
		return fmt.Errorf("worker.staleness_minutes must be > 0")
	}
	if c.Worker.TickSchedule == "" {
		return fmt.Errorf("worker.tick_schedule must be set")
	}
	switch c.Storage.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.Notify.Backend {
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.AccountsTopic == "" || c.PubSub.OperatorTopic == "" {
			return fmt.Errorf("pubsub project_id and topics must be set when notify.backend is pubsub")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown notify backend: %s", c.Notify.Backend)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// CheckDelay converts the configured inter-call delay to a duration.
func (c Config) CheckDelay() time.Duration {
	return time.Duration(c.Worker.CheckDelayMs) * time.Millisecond
}

// StalenessThreshold converts the reaper threshold to a duration.
func (c Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Worker.StalenessMinutes) * time.Minute
}

// TickBudget is the per-invocation processing budget.
func (c Config) TickBudget() time.Duration {
	return time.Duration(c.Worker.TickBudgetSeconds) * time.Second
}
