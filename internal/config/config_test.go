package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/engine"
	"github.com/roach88/flowsess/internal/store"
)

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load("testdata/full.cue")
	require.NoError(t, err)

	assert.Equal(t, engine.Config{
		InactivityTimeout: 2 * time.Minute,
		ResendWindow:      250 * time.Millisecond,
		HeartbeatInterval: 10 * time.Second,
		MaxBufferedEvents: 64,
	}, cfg.Engine)
	assert.Equal(t, 30*time.Second, cfg.Linger)
	assert.Equal(t, 16, cfg.OutboxBatch)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, store.Config{Backend: "sqlite", Path: "/var/lib/flowsess"}, cfg.Store)
	assert.Equal(t, BusConfig{
		Partitions:   8,
		Faults:       bus.Faults{DropRate: 0.1, DuplicateRate: 0.05, Seed: 42},
		RetryBackoff: 20 * time.Millisecond,
	}, cfg.Bus)
	assert.Equal(t, LogConfig{Level: "debug", Service: "flowsess-test"}, cfg.Log)
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Nodes)
}

func TestParse_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse("empty.cue", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_PartialOverride(t *testing.T) {
	cfg, err := Parse("partial.cue", []byte(`session: resend_window: "1s"`))
	require.NoError(t, err)

	want := Default()
	want.Engine.ResendWindow = time.Second
	assert.Equal(t, want, cfg)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"unknown section", "transport: {}\n", "transport"},
		{"unknown field", "bus: {\n\tshards: 2\n}\n", "bus.shards"},
		{"out of range", "bus: {\n\tdrop_rate: 1.5\n}\n", "bus.drop_rate"},
		{"bad backend", "store: backend: \"postgres\"\n", "store.backend"},
		{"bad duration", "session: {\n\tlinger: \"soon\"\n}\n", "session.linger"},
		{"zero batch", "session: outbox_batch: 0\n", "session.outbox_batch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.cue", []byte(tt.src))
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "want ConfigError, got %T: %v", err, err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestParse_ErrorPosition(t *testing.T) {
	_, err := Parse("bad.cue", []byte("bus: {\n\tshards: 2\n}\n"))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.True(t, cfgErr.Pos.IsValid(), "missing position: %v", err)
	assert.Equal(t, "bad.cue", cfgErr.Pos.Filename())
	assert.Equal(t, 2, cfgErr.Pos.Line())
	assert.Contains(t, err.Error(), "bad.cue:2:")
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse("broken.cue", []byte("session: {\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.cue")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"sqlite needs path", func(c *Config) { c.Store.Backend = store.BackendSQLite }, "store.path"},
		{"redis needs addr", func(c *Config) { c.Store.Backend = store.BackendRedis }, "store.redis.addr"},
		{"duplicate node", func(c *Config) { c.Nodes = []string{"a", "a"} }, "nodes"},
		{"tick interval", func(c *Config) { c.TickInterval = 0 }, "session.tick_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cue"))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Message, "absent.cue")
}

func TestLoad_TempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsess.cue")
	require.NoError(t, os.WriteFile(path, []byte(`store: backend: "badger"`+"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, store.BackendBadger, cfg.Store.Backend)
}

func TestStoreFor(t *testing.T) {
	cfg := Default()

	cfg.Store = store.Config{Backend: store.BackendSQLite, Path: "/data"}
	assert.Equal(t, "/data/alice.db", cfg.StoreFor("alice").Path)

	cfg.Store = store.Config{Backend: store.BackendBadger, Path: "/data"}
	assert.Equal(t, "/data/bob", cfg.StoreFor("bob").Path)

	cfg.Store = store.Config{Backend: store.BackendBadger}
	assert.Empty(t, cfg.StoreFor("bob").Path, "in-memory badger stays in memory")

	cfg.Store = store.Config{Backend: store.BackendRedis, Redis: store.RedisConfig{Addr: "localhost:6379"}}
	assert.Equal(t, "flowsess:alice:", cfg.StoreFor("alice").Redis.Prefix)
	assert.Empty(t, cfg.Store.Redis.Prefix, "StoreFor does not modify the config")
}

func TestNodeConfig(t *testing.T) {
	cfg := Default()
	cfg.Linger = time.Hour

	node := cfg.NodeConfig("alice")
	assert.Equal(t, "alice", node.Name)
	assert.Equal(t, time.Hour, node.Linger)
	assert.Equal(t, cfg.Engine, node.Engine)
}

func TestBusOptions_FaultsOnlyWhenSet(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.BusOptions(), 2)

	cfg.Bus.Faults.DropRate = 0.5
	assert.Len(t, cfg.BusOptions(), 3)
}

func TestConfigError_Format(t *testing.T) {
	err := &ConfigError{Field: "bus.partitions", Message: "must be positive"}
	assert.Equal(t, "bus.partitions: must be positive", err.Error())
}
