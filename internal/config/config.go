// Package config loads flowsess configuration from CUE files.
//
// A file is unified with an embedded schema, so type and range errors are
// reported with the position of the offending field. Fields left out keep
// the defaults returned by Default.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/engine"
	"github.com/roach88/flowsess/internal/host"
	"github.com/roach88/flowsess/internal/log"
	"github.com/roach88/flowsess/internal/store"
)

//go:embed schema.cue
var schemaSource string

const schemaFilename = "schema.cue"

// Config is a fully resolved configuration.
type Config struct {
	Engine       engine.Config
	Linger       time.Duration
	OutboxBatch  int
	TickInterval time.Duration
	Store        store.Config
	Bus          BusConfig
	Log          LogConfig
	// Nodes are the node identities started by the run command.
	Nodes []string
}

// BusConfig controls the in-process bus.
type BusConfig struct {
	Partitions   int
	Faults       bus.Faults
	RetryBackoff time.Duration
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level   string
	Service string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	node := host.DefaultConfig("")
	return &Config{
		Engine:       node.Engine,
		Linger:       node.Linger,
		OutboxBatch:  node.OutboxBatch,
		TickInterval: node.TickInterval,
		Store:        store.Config{Backend: store.BackendMemory},
		Bus: BusConfig{
			Partitions:   4,
			RetryBackoff: 100 * time.Millisecond,
		},
		Log:   LogConfig{Level: "info", Service: "flowsess"},
		Nodes: []string{"alice", "bob"},
	}
}

// file mirrors the CUE layout. Pointers tell absent fields from zero values.
type file struct {
	Session *struct {
		InactivityTimeout *string `json:"inactivity_timeout"`
		ResendWindow      *string `json:"resend_window"`
		HeartbeatInterval *string `json:"heartbeat_interval"`
		MaxBufferedEvents *int    `json:"max_buffered_events"`
		Linger            *string `json:"linger"`
		OutboxBatch       *int    `json:"outbox_batch"`
		TickInterval      *string `json:"tick_interval"`
	} `json:"session"`
	Store *struct {
		Backend *string `json:"backend"`
		Path    *string `json:"path"`
		Redis   *struct {
			Addr     *string `json:"addr"`
			Password *string `json:"password"`
			DB       *int    `json:"db"`
			Prefix   *string `json:"prefix"`
		} `json:"redis"`
	} `json:"store"`
	Bus *struct {
		Partitions    *int     `json:"partitions"`
		DropRate      *float64 `json:"drop_rate"`
		DuplicateRate *float64 `json:"duplicate_rate"`
		Seed          *uint64  `json:"seed"`
		RetryBackoff  *string  `json:"retry_backoff"`
	} `json:"bus"`
	Log *struct {
		Level   *string `json:"level"`
		Service *string `json:"service"`
	} `json:"log"`
	Nodes []string `json:"nodes"`
}

// Load reads and resolves the CUE file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "config", Message: fmt.Sprintf("reading %s: %v", path, err)}
	}
	return Parse(path, data)
}

// Parse resolves CUE source. filename is used in error positions.
func Parse(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename(schemaFilename))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fromCUE(err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fromCUE(err)
	}

	var f file
	if err := unified.Decode(&f); err != nil {
		return nil, fromCUE(err)
	}

	cfg := Default()
	if err := cfg.apply(unified, &f); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationField is a duration-valued CUE field waiting to be parsed.
type durationField struct {
	path string
	raw  *string
	dst  *time.Duration
}

func (c *Config) apply(v cue.Value, f *file) error {
	var durations []durationField

	if s := f.Session; s != nil {
		durations = append(durations,
			durationField{"session.inactivity_timeout", s.InactivityTimeout, &c.Engine.InactivityTimeout},
			durationField{"session.resend_window", s.ResendWindow, &c.Engine.ResendWindow},
			durationField{"session.heartbeat_interval", s.HeartbeatInterval, &c.Engine.HeartbeatInterval},
			durationField{"session.linger", s.Linger, &c.Linger},
			durationField{"session.tick_interval", s.TickInterval, &c.TickInterval},
		)
		if s.MaxBufferedEvents != nil {
			c.Engine.MaxBufferedEvents = *s.MaxBufferedEvents
		}
		if s.OutboxBatch != nil {
			c.OutboxBatch = *s.OutboxBatch
		}
	}

	if s := f.Store; s != nil {
		setString(&c.Store.Backend, s.Backend)
		setString(&c.Store.Path, s.Path)
		if r := s.Redis; r != nil {
			setString(&c.Store.Redis.Addr, r.Addr)
			setString(&c.Store.Redis.Password, r.Password)
			setString(&c.Store.Redis.Prefix, r.Prefix)
			if r.DB != nil {
				c.Store.Redis.DB = *r.DB
			}
		}
	}

	if b := f.Bus; b != nil {
		if b.Partitions != nil {
			c.Bus.Partitions = *b.Partitions
		}
		if b.DropRate != nil {
			c.Bus.Faults.DropRate = *b.DropRate
		}
		if b.DuplicateRate != nil {
			c.Bus.Faults.DuplicateRate = *b.DuplicateRate
		}
		if b.Seed != nil {
			c.Bus.Faults.Seed = *b.Seed
		}
		durations = append(durations, durationField{"bus.retry_backoff", b.RetryBackoff, &c.Bus.RetryBackoff})
	}

	if l := f.Log; l != nil {
		setString(&c.Log.Level, l.Level)
		setString(&c.Log.Service, l.Service)
	}

	if len(f.Nodes) > 0 {
		c.Nodes = f.Nodes
	}

	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return &ConfigError{
				Field:   d.path,
				Message: fmt.Sprintf("invalid duration %q", *d.raw),
				Pos:     v.LookupPath(cue.ParsePath(d.path)).Pos(),
			}
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return &ConfigError{Field: "session.tick_interval", Message: "must be positive"}
	}
	if c.OutboxBatch <= 0 {
		return &ConfigError{Field: "session.outbox_batch", Message: "must be positive"}
	}
	switch c.Store.Backend {
	case store.BackendSQLite:
		if c.Store.Path == "" {
			return &ConfigError{Field: "store.path", Message: "required for the sqlite backend"}
		}
	case store.BackendRedis:
		if c.Store.Redis.Addr == "" {
			return &ConfigError{Field: "store.redis.addr", Message: "required for the redis backend"}
		}
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n] {
			return &ConfigError{Field: "nodes", Message: fmt.Sprintf("duplicate node %q", n)}
		}
		seen[n] = true
	}
	return nil
}

// NodeConfig returns the host configuration for the node called name.
func (c *Config) NodeConfig(name string) host.Config {
	return host.Config{
		Name:         name,
		Linger:       c.Linger,
		OutboxBatch:  c.OutboxBatch,
		TickInterval: c.TickInterval,
		Engine:       c.Engine,
	}
}

// StoreFor returns the store configuration of one node. With several nodes
// in one process, store.path names a directory holding one database per
// node and redis keys get a per-node prefix.
func (c *Config) StoreFor(name string) store.Config {
	out := c.Store
	switch out.Backend {
	case store.BackendSQLite:
		out.Path = filepath.Join(c.Store.Path, name+".db")
	case store.BackendBadger:
		if out.Path != "" {
			out.Path = filepath.Join(c.Store.Path, name)
		}
	case store.BackendRedis:
		prefix := out.Redis.Prefix
		if prefix == "" {
			prefix = "flowsess:"
		}
		out.Redis.Prefix = prefix + name + ":"
	}
	return out
}

// BusOptions returns the options for bus.New.
func (c *Config) BusOptions() []bus.Option {
	opts := []bus.Option{
		bus.WithPartitions(c.Bus.Partitions),
		bus.WithRetryBackoff(c.Bus.RetryBackoff),
	}
	if c.Bus.Faults.DropRate > 0 || c.Bus.Faults.DuplicateRate > 0 {
		opts = append(opts, bus.WithFaults(c.Bus.Faults))
	}
	return opts
}

// LogSettings returns the settings for log.Configure.
func (c *Config) LogSettings() log.Config {
	return log.Config{Level: c.Log.Level, Service: c.Log.Service}
}
