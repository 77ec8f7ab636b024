package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// DefaultNodeID is the node identity used when none is configured
const DefaultNodeID = "default-server"

// ErrInvalid wraps every configuration validation failure
var ErrInvalid = errors.New("invalid configuration")

var nodeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// AppConfig holds the complete configuration for the application
type AppConfig struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	ServiceName string            `mapstructure:"service_name"`
	Node        NodeConfig        `mapstructure:"node"`
	Store       StoreConfig       `mapstructure:"store"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Server      ServerConfig      `mapstructure:"server"`
	Placeholder PlaceholderConfig `mapstructure:"placeholder"`
}

type NodeConfig struct {
	ID string `mapstructure:"id"`
}

type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

type PostgresConfig struct {
	URI             string        `mapstructure:"uri"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type SyncConfig struct {
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	PullInterval    time.Duration `mapstructure:"pull_interval"`
	PullBatchSize   int           `mapstructure:"pull_batch_size"`
	PullOverlap     int64         `mapstructure:"pull_overlap"`
	ResolveTimeout  time.Duration `mapstructure:"resolve_timeout"`
	DegradedAfter   int           `mapstructure:"degraded_after"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	WorkerCount     int           `mapstructure:"worker_count"`
	DefaultPolicy   string        `mapstructure:"default_policy"`
	RegistryRefresh time.Duration `mapstructure:"registry_refresh"`
}

type NotifyConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type PlaceholderConfig struct {
	Identifier string `mapstructure:"identifier"`
}

// keys bound to environment variables, e.g. sync.flush_interval -> SYNC_FLUSH_INTERVAL
var envKeys = []string{
	"environment",
	"log_level",
	"service_name",
	"node.id",
	"store.driver",
	"store.postgres.uri",
	"store.postgres.max_conns",
	"store.postgres.min_conns",
	"store.postgres.max_conn_lifetime",
	"store.postgres.max_conn_idle_time",
	"store.sqlite.path",
	"store.sqlite.busy_timeout",
	"store.retry.max_attempts",
	"store.retry.initial_interval",
	"store.retry.max_interval",
	"store.retry.multiplier",
	"sync.flush_interval",
	"sync.pull_interval",
	"sync.pull_batch_size",
	"sync.pull_overlap",
	"sync.resolve_timeout",
	"sync.degraded_after",
	"sync.backoff_initial",
	"sync.backoff_max",
	"sync.shutdown_grace",
	"sync.worker_count",
	"sync.default_policy",
	"sync.registry_refresh",
	"notify.driver",
	"notify.redis.addr",
	"notify.redis.password",
	"notify.redis.db",
	"notify.redis.channel",
	"notify.kafka.brokers",
	"notify.kafka.topic",
	"server.addr",
	"placeholder.identifier",
}

// SetDefaults registers every default value on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "multisyncstats")
	v.SetDefault("node.id", DefaultNodeID)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.postgres.uri", "")
	v.SetDefault("store.postgres.max_conns", 20)
	v.SetDefault("store.postgres.min_conns", 2)
	v.SetDefault("store.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("store.postgres.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("store.sqlite.path", "multisyncstats.db")
	v.SetDefault("store.sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("store.retry.max_attempts", 4)
	v.SetDefault("store.retry.initial_interval", 100*time.Millisecond)
	v.SetDefault("store.retry.max_interval", 2*time.Second)
	v.SetDefault("store.retry.multiplier", 2.0)
	v.SetDefault("sync.flush_interval", 5*time.Second)
	v.SetDefault("sync.pull_interval", 5*time.Second)
	v.SetDefault("sync.pull_batch_size", 500)
	v.SetDefault("sync.pull_overlap", 256)
	v.SetDefault("sync.resolve_timeout", 2*time.Second)
	v.SetDefault("sync.degraded_after", 3)
	v.SetDefault("sync.backoff_initial", 1*time.Second)
	v.SetDefault("sync.backoff_max", 1*time.Minute)
	v.SetDefault("sync.shutdown_grace", 10*time.Second)
	v.SetDefault("sync.worker_count", 8)
	v.SetDefault("sync.default_policy", "lww")
	v.SetDefault("sync.registry_refresh", 30*time.Second)
	v.SetDefault("notify.driver", "none")
	v.SetDefault("notify.redis.addr", "localhost:6379")
	v.SetDefault("notify.redis.channel", "mss:changes")
	v.SetDefault("notify.kafka.topic", "mss-changes")
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("placeholder.identifier", "mss")
}

// Load loads configuration from file and environment variables
func Load(path string) (*AppConfig, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith loads configuration into an existing viper instance, so that
// command line flags already bound to v take precedence
func LoadWith(v *viper.Viper, path string) (*AppConfig, error) {
	SetDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Bind environment variables explicitly for nested structs to ensure Unmarshal picks them up
	for _, key := range envKeys {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return nil, err
		}
	}

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	// Kafka brokers may come as a single comma separated string from env
	brokers := v.GetString("notify.kafka.brokers")
	if brokers != "" && len(config.Notify.Kafka.Brokers) <= 1 {
		config.Notify.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *AppConfig) Validate() error {
	if c.ServiceName == "" {
		return invalid("service_name is required")
	}
	if !nodeIDPattern.MatchString(c.Node.ID) {
		return invalid("node.id %q must match [a-zA-Z0-9_-]+", c.Node.ID)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.Postgres.URI == "" {
			return invalid("store.postgres.uri is required")
		}
		if c.Store.Postgres.MaxConns < 1 {
			return invalid("store.postgres.max_conns must be positive")
		}
		if c.Store.Postgres.MinConns < 0 || c.Store.Postgres.MinConns > c.Store.Postgres.MaxConns {
			return invalid("store.postgres.min_conns must be between 0 and max_conns")
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return invalid("store.sqlite.path is required")
		}
	case "memory":
	default:
		return invalid("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Retry.MaxAttempts < 1 {
		return invalid("store.retry.max_attempts must be positive")
	}

	if c.Sync.FlushInterval <= 0 || c.Sync.PullInterval <= 0 {
		return invalid("sync intervals must be positive")
	}
	if c.Sync.PullBatchSize < 1 {
		return invalid("sync.pull_batch_size must be positive")
	}
	if c.Sync.PullOverlap < 0 {
		return invalid("sync.pull_overlap must not be negative")
	}
	if c.Sync.DegradedAfter < 1 {
		return invalid("sync.degraded_after must be positive")
	}
	if c.Sync.WorkerCount < 1 {
		return invalid("sync.worker_count must be positive")
	}
	if c.Sync.ResolveTimeout <= 0 {
		return invalid("sync.resolve_timeout must be positive")
	}
	if _, err := stats.ParsePolicy(c.Sync.DefaultPolicy); err != nil {
		return invalid("sync.default_policy: %v", err)
	}

	switch c.Notify.Driver {
	case "", "none":
	case "redis":
		if c.Notify.Redis.Addr == "" || c.Notify.Redis.Channel == "" {
			return invalid("notify.redis.addr and notify.redis.channel are required")
		}
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "" {
			return invalid("notify.kafka.brokers and notify.kafka.topic are required")
		}
	default:
		return invalid("unknown notify.driver %q", c.Notify.Driver)
	}

	if c.Placeholder.Identifier == "" {
		return invalid("placeholder.identifier is required")
	}
	return nil
}

// UsesDefaultNodeID reports whether the node identity was left unset
func (c *AppConfig) UsesDefaultNodeID() bool {
	return c.Node.ID == DefaultNodeID
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
