// Package config loads detection service configuration with viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	ValueLists ValueListsConfig `mapstructure:"valuelists"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OpenSearchConfig struct {
	URL               string        `mapstructure:"url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Insecure          bool          `mapstructure:"insecure"`
	AlertsIndexPrefix string        `mapstructure:"alerts_index_prefix"`
	AnomaliesIndex    string        `mapstructure:"anomalies_index"`
	SearchTimeout     time.Duration `mapstructure:"search_timeout"`
	BulkTimeout       time.Duration `mapstructure:"bulk_timeout"`
	PageSize          int           `mapstructure:"page_size"`
	BulkBatchSize     int           `mapstructure:"bulk_batch_size"`
	Tiebreaker        string        `mapstructure:"tiebreaker"`
	Refresh           string        `mapstructure:"refresh"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	// MigrationsPath is a golang-migrate source URL.
	MigrationsPath string `mapstructure:"migrations_path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the PostgreSQL connection URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	Token          string        `mapstructure:"token"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Concurrency  int           `mapstructure:"concurrency"`
	StartRate    float64       `mapstructure:"start_rate"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

type ValueListsConfig struct {
	// Backend is "redis", "postgres" or "none".
	Backend   string        `mapstructure:"backend"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	// URL of the auth service; empty disables authorization checks.
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EngineConfig struct {
	DefaultSpace string `mapstructure:"default_space"`
	RulesDir     string `mapstructure:"rules_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", false)
	v.SetDefault("opensearch.alerts_index_prefix", "telhawk-alerts-")
	v.SetDefault("opensearch.anomalies_index", ".ml-anomalies-*")
	v.SetDefault("opensearch.search_timeout", "30s")
	v.SetDefault("opensearch.bulk_timeout", "30s")
	v.SetDefault("opensearch.page_size", 1000)
	v.SetDefault("opensearch.bulk_batch_size", 500)
	v.SetDefault("opensearch.tiebreaker", "event.id")
	v.SetDefault("opensearch.refresh", "wait_for")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "telhawk_detection")
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "require")
	v.SetDefault("database.migrations_path", "file://migrations")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.handler_timeout", "5m")
	v.SetDefault("nats.token", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.start_rate", 5.0)
	v.SetDefault("scheduler.run_timeout", "5m")
	v.SetDefault("scheduler.lease_ttl", "10m")

	v.SetDefault("valuelists.backend", "redis")
	v.SetDefault("valuelists.cache_size", 10000)
	v.SetDefault("valuelists.cache_ttl", "1m")

	v.SetDefault("auth.url", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.timeout", "5s")

	v.SetDefault("engine.default_space", "default")
	v.SetDefault("engine.rules_dir", "rules")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/detection")
	}

	// Environment variables override (DETECTION_OPENSEARCH_URL, etc.)
	v.SetEnvPrefix("DETECTION")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.ValueLists.Backend {
	case "redis":
		if !c.Redis.Enabled {
			return errors.New("valuelists.backend redis requires redis.enabled")
		}
	case "postgres", "none":
	default:
		return fmt.Errorf("unknown valuelists.backend %q", c.ValueLists.Backend)
	}
	if c.Auth.URL != "" && c.Auth.Secret == "" {
		return errors.New("auth.secret is required when auth.url is set")
	}
	if c.OpenSearch.PageSize <= 0 || c.OpenSearch.BulkBatchSize <= 0 {
		return errors.New("opensearch.page_size and opensearch.bulk_batch_size must be positive")
	}
	return nil
}
