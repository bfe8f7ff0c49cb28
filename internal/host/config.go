package host

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/flowsess/internal/engine"
	"github.com/roach88/flowsess/internal/metrics"
)

// Config controls a Node.
type Config struct {
	// Name is the node identity and its inbound topic.
	Name string

	// Linger is how long a deletable session is kept after its last
	// activity, so a redelivered Close can still be re-acked.
	Linger time.Duration

	// OutboxBatch bounds how many records Flush reads per round trip.
	OutboxBatch int

	// TickInterval is the period of the planner loop in Run.
	TickInterval time.Duration

	// Engine is passed to the manager and planner.
	Engine engine.Config
}

// DefaultConfig returns the defaults for a node called name.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Linger:       time.Minute,
		OutboxBatch:  100,
		TickInterval: time.Second,
		Engine:       engine.DefaultConfig(),
	}
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("node name is required")
	}
	if c.OutboxBatch <= 0 {
		return errors.New("outbox batch must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	return nil
}

// Clock supplies the current time. testutil.ManualClock implements it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option customizes a Node.
type Option func(*Node)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithIDGenerator replaces the UUIDv7 session id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(n *Node) { n.ids = g }
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithLogger replaces the "host" component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Node) { n.logger = l }
}
