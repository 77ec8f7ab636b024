package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() AppConfig {
	v := viper.New()
	SetDefaults(v)
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	cfg.Store.Driver = "memory"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("identifier node ids pass validation", prop.ForAll(
		func(nodeID string) bool {
			cfg := validConfig()
			cfg.Node.ID = nodeID
			return cfg.Validate() == nil
		},
		gen.Identifier(),
	))

	properties.Property("node ids with other characters are rejected", prop.ForAll(
		func(prefix string, bad rune) bool {
			cfg := validConfig()
			cfg.Node.ID = prefix + string(bad)
			return cfg.Validate() != nil
		},
		gen.Identifier(),
		gen.OneConstOf(' ', '.', '/', '%', ':', '\''),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{"missing service name", func(c *AppConfig) { c.ServiceName = "" }},
		{"postgres without uri", func(c *AppConfig) { c.Store.Driver = "postgres" }},
		{"unknown driver", func(c *AppConfig) { c.Store.Driver = "mongodb" }},
		{"sqlite without path", func(c *AppConfig) { c.Store.Driver = "sqlite"; c.Store.SQLite.Path = "" }},
		{"zero flush interval", func(c *AppConfig) { c.Sync.FlushInterval = 0 }},
		{"zero workers", func(c *AppConfig) { c.Sync.WorkerCount = 0 }},
		{"unknown policy", func(c *AppConfig) { c.Sync.DefaultPolicy = "median" }},
		{"redis without addr", func(c *AppConfig) { c.Notify.Driver = "redis"; c.Notify.Redis.Addr = "" }},
		{"kafka without brokers", func(c *AppConfig) { c.Notify.Driver = "kafka" }},
		{"unknown notify driver", func(c *AppConfig) { c.Notify.Driver = "nats" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("NODE_ID", "survival-1")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_POSTGRES_URI", "postgres://localhost:5432/stats")
	t.Setenv("SYNC_FLUSH_INTERVAL", "250ms")
	t.Setenv("NOTIFY_DRIVER", "kafka")
	t.Setenv("NOTIFY_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "survival-1", cfg.Node.ID)
	assert.Equal(t, "postgres://localhost:5432/stats", cfg.Store.Postgres.URI)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.FlushInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.Kafka.Brokers)
	assert.Equal(t, "mss", cfg.Placeholder.Identifier)
	assert.False(t, cfg.UsesDefaultNodeID())

	t.Setenv("NODE_ID", "bad id")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mss.yaml")
	content := `
node:
  id: lobby
store:
  driver: sqlite
  sqlite:
    path: /tmp/mss.db
sync:
  default_policy: sum
  pull_interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lobby", cfg.Node.ID)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/mss.db", cfg.Store.SQLite.Path)
	assert.Equal(t, "sum", cfg.Sync.DefaultPolicy)
	assert.Equal(t, 2*time.Second, cfg.Sync.PullInterval)
	assert.Equal(t, 5*time.Second, cfg.Sync.FlushInterval)
}

func TestDefaultNodeID(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.UsesDefaultNodeID())
	assert.NoError(t, cfg.Validate())
}
