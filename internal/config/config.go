// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/extract"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Sink kinds.
const (
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
	SinkMemory   = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Store      StoreConfig         `mapstructure:"store"`
	Pool       PoolConfig          `mapstructure:"pool"`
	Worker     WorkerConfig        `mapstructure:"worker"`
	Retry      crawler.RetryPolicy `mapstructure:"retry"`
	Proxy      ProxyConfig         `mapstructure:"proxy"`
	Fetch      FetchConfig         `mapstructure:"fetch"`
	Extract    extract.Selectors   `mapstructure:"extract"`
	Sink       SinkConfig          `mapstructure:"sink"`
	Partitions []string            `mapstructure:"partitions"`
	Server     ServerConfig        `mapstructure:"server"`
	Logging    LoggingConfig       `mapstructure:"logging"`
}

// StoreConfig selects and sizes the target store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn"`
	// Path is the sqlite database file.
	Path            string        `mapstructure:"path"`
	ListingsTable   string        `mapstructure:"listings_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// Migrate applies the embedded schema on startup.
	Migrate bool `mapstructure:"migrate"`
}

// PoolConfig governs worker supervision.
type PoolConfig struct {
	Workers         int           `mapstructure:"workers"`
	Stagger         time.Duration `mapstructure:"stagger"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	RestartBackoff  time.Duration `mapstructure:"restart_backoff"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	// StaleAfter defaults to five heartbeat intervals.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	PIDFile    string        `mapstructure:"pid_file"`
}

// WorkerConfig tunes the per-worker loop.
type WorkerConfig struct {
	IdleInterval        time.Duration `mapstructure:"idle_interval"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	SessionRecycleAfter int           `mapstructure:"session_recycle_after"`
}

// ProxyConfig lists egress proxies; empty means direct connections.
type ProxyConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Strategy  string   `mapstructure:"strategy"`
}

// FetchConfig configures page fetching.
type FetchConfig struct {
	Mode          string        `mapstructure:"mode"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	URLTemplate   string        `mapstructure:"url_template"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	// PromotionThreshold is the body length under which auto mode re-renders.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
	MaxParallelBrowser int `mapstructure:"max_parallel_browser"`
}

// SinkConfig selects where extracted records go.
type SinkConfig struct {
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
}

// ServerConfig controls the status HTTP server; 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, is required on every request except health checks.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	retry := crawler.DefaultRetryPolicy()
	sel := extract.DefaultSelectors()

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "data/crawler.db")
	v.SetDefault("store.listings_table", "listings")
	v.SetDefault("store.max_conns", 16)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("store.migrate", true)

	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.stagger", "3s")
	v.SetDefault("pool.max_restarts", 3)
	v.SetDefault("pool.restart_backoff", "5s")
	v.SetDefault("pool.grace_period", "2m")
	v.SetDefault("pool.reclaim_interval", "30s")
	v.SetDefault("pool.pid_file", "data/crawler.pid")

	v.SetDefault("worker.idle_interval", "10s")
	v.SetDefault("worker.heartbeat_interval", "30s")
	v.SetDefault("worker.session_recycle_after", 25)

	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("retry.backoff_factor", retry.BackoffFactor)
	v.SetDefault("retry.recovery_factor", retry.RecoveryFactor)
	v.SetDefault("retry.block_factor", retry.BlockFactor)
	v.SetDefault("retry.block_threshold", retry.BlockThreshold)
	v.SetDefault("retry.block_cooldown", retry.BlockCooldown)
	v.SetDefault("retry.blacklist_threshold", retry.BlacklistThreshold)
	v.SetDefault("retry.blacklist_duration", retry.BlacklistDuration)
	v.SetDefault("retry.acquire_backoff", retry.AcquireBackoff)
	v.SetDefault("retry.acquire_max_backoff", retry.AcquireMaxBackoff)
	v.SetDefault("retry.store_retries", retry.StoreRetries)
	v.SetDefault("retry.store_base_delay", retry.StoreBaseDelay)
	v.SetDefault("retry.store_max_delay", retry.StoreMaxDelay)

	v.SetDefault("proxy.strategy", "round_robin")

	v.SetDefault("fetch.mode", "colly")
	v.SetDefault("fetch.user_agent", "listing-crawler/1.0")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.promotion_threshold", 2048)
	v.SetDefault("fetch.max_parallel_browser", 2)

	v.SetDefault("extract.item", sel.Item)
	v.SetDefault("extract.name", sel.Name)
	v.SetDefault("extract.address", sel.Address)
	v.SetDefault("extract.phone", sel.Phone)
	v.SetDefault("extract.website", sel.Website)
	v.SetDefault("extract.next", sel.Next)

	v.SetDefault("sink.kind", SinkFile)
	v.SetDefault("sink.path", "data/listings")

	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

func (c *Config) applyDerived() {
	if c.Pool.StaleAfter <= 0 {
		c.Pool.StaleAfter = 5 * c.Worker.HeartbeatInterval
	}
	parts := make([]string, 0, len(c.Partitions))
	for _, p := range c.Partitions {
		for _, v := range strings.Split(p, ",") {
			if v = strings.TrimSpace(v); v != "" {
				parts = append(parts, v)
			}
		}
	}
	c.Partitions = parts
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("store.driver must be postgres, sqlite, or memory, got %q", c.Store.Driver)
	}

	switch c.Sink.Kind {
	case SinkFile:
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for the file sink")
		}
	case SinkPostgres, SinkSQLite:
		if c.Sink.Kind != c.Store.Driver {
			return fmt.Errorf("sink.kind %q requires store.driver %q", c.Sink.Kind, c.Sink.Kind)
		}
	case SinkMemory:
	default:
		return fmt.Errorf("sink.kind must be file, postgres, sqlite, or memory, got %q", c.Sink.Kind)
	}

	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be > 0")
	}
	if c.Pool.MaxRestarts < 0 {
		return fmt.Errorf("pool.max_restarts must be >= 0")
	}
	if c.Pool.ReclaimInterval <= 0 {
		return fmt.Errorf("pool.reclaim_interval must be > 0")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be > 0")
	}
	if c.Pool.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("pool.stale_after must exceed worker.heartbeat_interval")
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}

	switch c.Fetch.Mode {
	case "colly", "headless", "auto":
	default:
		return fmt.Errorf("fetch.mode must be colly, headless, or auto, got %q", c.Fetch.Mode)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}

	switch c.Proxy.Strategy {
	case "round_robin", "health_weighted":
	default:
		return fmt.Errorf("proxy.strategy must be round_robin or health_weighted, got %q", c.Proxy.Strategy)
	}

	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}

// ValidateCrawl checks the settings only a crawl run needs, so operator
// commands like status and seed work without them.
func (c Config) ValidateCrawl() error {
	if strings.TrimSpace(c.Fetch.URLTemplate) == "" {
		return fmt.Errorf("fetch.url_template is required")
	}
	if !strings.Contains(c.Fetch.URLTemplate, "{page}") {
		return fmt.Errorf("fetch.url_template must contain {page}")
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("partitions must list at least one value")
	}
	return nil
}
