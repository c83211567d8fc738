// Package config loads the engine configuration from YAML with
// environment overrides for connection strings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"go-driftmark/pkg/outbox"
	"go-driftmark/pkg/processor"
	"go-driftmark/pkg/views"
)

// Store configures the core event store.
type Store struct {
	DatabaseURL          string `yaml:"database_url"`
	PersistCommands      bool   `yaml:"persist_commands"`
	FetchSize            int    `yaml:"fetch_size"`
	TransactionIsolation string `yaml:"transaction_isolation"`
}

// ReadReplicas routes projections and processor fetches to a replica
// pool. Appends always use the primary.
type ReadReplicas struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Pool    struct {
		Max  int    `yaml:"max"`
		Min  int    `yaml:"min"`
		User string `yaml:"user"`
		Pass string `yaml:"pass"`
	} `yaml:"pool"`
}

// PoolConfig parses the replica URL and applies the pool tuning keys on
// top of it. Credentials from the pool section override the URL's.
func (r ReadReplicas) PoolConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(r.URL)
	if err != nil {
		return nil, fmt.Errorf("parse read_replicas.url: %w", err)
	}
	if r.Pool.Max > 0 {
		cfg.MaxConns = int32(r.Pool.Max)
	}
	if r.Pool.Min > 0 {
		cfg.MinConns = int32(r.Pool.Min)
	}
	if r.Pool.User != "" {
		cfg.ConnConfig.User = r.Pool.User
	}
	if r.Pool.Pass != "" {
		cfg.ConnConfig.Password = r.Pool.Pass
	}
	return cfg, nil
}

// Processors tunes one processor subsystem (outbox or views).
type Processors struct {
	PollingIntervalMs             int     `yaml:"polling_interval_ms"`
	BatchSize                     int     `yaml:"batch_size"`
	MaxErrors                     int     `yaml:"max_errors"`
	Enabled                       *bool   `yaml:"enabled"`
	Backoff                       Backoff `yaml:"backoff"`
	LeaderElectionRetryIntervalMs int     `yaml:"leader_election_retry_interval_ms"`
}

// Backoff tunes the empty-poll backoff.
type Backoff struct {
	Enabled    *bool `yaml:"enabled"`
	Threshold  int   `yaml:"threshold"`
	Multiplier int   `yaml:"multiplier"`
	MaxSeconds int   `yaml:"max_seconds"`
}

// Web configures the operational HTTP surface.
type Web struct {
	Addr string `yaml:"addr"`
}

// Kafka configures the outbox Kafka publisher. Empty brokers disables it.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	KeyTag  string   `yaml:"key_tag"`
}

// Config is the root configuration document.
type Config struct {
	Store         Store                         `yaml:"store"`
	ReadReplicas  ReadReplicas                  `yaml:"read_replicas"`
	Outbox        Processors                    `yaml:"outbox"`
	Views         Processors                    `yaml:"views"`
	Topics        map[string]outbox.TopicConfig `yaml:"topics"`
	Subscriptions []views.Subscription          `yaml:"views_subscriptions"`
	Kafka         Kafka                         `yaml:"kafka"`
	Web           Web                           `yaml:"web"`
}

// Load reads the YAML file, applies environment overrides and defaults.
// DATABASE_URL and READ_REPLICA_URL override the file values when set.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Store.DatabaseURL = url
	}
	if url := os.Getenv("READ_REPLICA_URL"); url != "" {
		cfg.ReadReplicas.URL = url
	}
	cfg.applyDefaults()

	if cfg.Store.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (file or DATABASE_URL)")
	}
	if cfg.ReadReplicas.Enabled && cfg.ReadReplicas.URL == "" {
		return nil, fmt.Errorf("read_replicas.url is required when read replicas are enabled")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.FetchSize <= 0 {
		c.Store.FetchSize = 500
	}
	if c.Store.TransactionIsolation == "" {
		c.Store.TransactionIsolation = "read_committed"
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
}

// ProcessorConfig converts a subsystem section into the runtime tuning,
// filling unset values from processor defaults.
func (p Processors) ProcessorConfig() processor.Config {
	cfg := processor.DefaultConfig()
	if p.PollingIntervalMs > 0 {
		cfg.PollingInterval = time.Duration(p.PollingIntervalMs) * time.Millisecond
	}
	if p.BatchSize > 0 {
		cfg.BatchSize = p.BatchSize
	}
	if p.MaxErrors > 0 {
		cfg.MaxErrors = p.MaxErrors
	}
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Backoff.Enabled != nil {
		cfg.Backoff.Enabled = *p.Backoff.Enabled
	}
	if p.Backoff.Threshold > 0 {
		cfg.Backoff.Threshold = p.Backoff.Threshold
	}
	if p.Backoff.Multiplier > 0 {
		cfg.Backoff.Multiplier = p.Backoff.Multiplier
	}
	if p.Backoff.MaxSeconds > 0 {
		cfg.Backoff.MaxInterval = time.Duration(p.Backoff.MaxSeconds) * time.Second
	}
	return cfg
}

// LeaderRetryInterval converts the subsystem's leader retry setting,
// falling back to the runtime default.
func (p Processors) LeaderRetryInterval() time.Duration {
	if p.LeaderElectionRetryIntervalMs > 0 {
		return time.Duration(p.LeaderElectionRetryIntervalMs) * time.Millisecond
	}
	return processor.DefaultRuntimeConfig().LeaderRetryInterval
}

// LeaderRetryInterval returns the retry interval for the single
// process-wide leader election. Both subsystem sections accept the key;
// when both set it, the smaller value wins so neither waits longer than
// it asked for.
func (c *Config) LeaderRetryInterval() time.Duration {
	ms := c.Outbox.LeaderElectionRetryIntervalMs
	if v := c.Views.LeaderElectionRetryIntervalMs; v > 0 && (ms == 0 || v < ms) {
		ms = v
	}
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return processor.DefaultRuntimeConfig().LeaderRetryInterval
}
