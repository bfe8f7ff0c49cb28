package engine

import (
	"time"

	"github.com/roach88/flowsess/internal/ir"
)

// Defaults applied by DefaultConfig.
const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultResendWindow      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxBufferedEvents = 1000
)

// Config holds the tunables shared by the processors and the planner.
// A zero duration or limit disables the corresponding check.
type Config struct {
	// InactivityTimeout is how long a non-terminal session may go without
	// inbound traffic before it is moved to ERROR.
	InactivityTimeout time.Duration

	// ResendWindow is the quiet period after which unacked send events are
	// retransmitted by the planner.
	ResendWindow time.Duration

	// HeartbeatInterval is the idle period after which the planner emits a
	// Heartbeat on an open session.
	HeartbeatInterval time.Duration

	// MaxBufferedEvents bounds the receive buffer of one session.
	MaxBufferedEvents int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: DefaultInactivityTimeout,
		ResendWindow:      DefaultResendWindow,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxBufferedEvents: DefaultMaxBufferedEvents,
	}
}

// Option configures a Config.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithInactivityTimeout sets the inactivity timeout. Zero disables it.
func WithInactivityTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.InactivityTimeout = d
	}
}

// WithResendWindow sets the retransmission quiet period.
func WithResendWindow(d time.Duration) Option {
	return func(c *Config) {
		c.ResendWindow = d
	}
}

// WithHeartbeatInterval sets the heartbeat idle period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = d
	}
}

// WithMaxBufferedEvents bounds the receive buffer.
//
// Use WithMaxBufferedEvents(2) for testing the overflow violation.
func WithMaxBufferedEvents(n int) Option {
	return func(c *Config) {
		c.MaxBufferedEvents = n
	}
}

func newConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// timedOut reports whether the gap between at and the last recorded inbound
// activity exceeds the inactivity timeout.
func (c Config) timedOut(s *ir.SessionState, at time.Time) bool {
	if c.InactivityTimeout <= 0 || s.Status.Terminal() {
		return false
	}
	last := s.LastReceivedTime
	if s.StartTime.After(last) {
		last = s.StartTime
	}
	if last.IsZero() {
		return false
	}
	return at.Sub(last) > c.InactivityTimeout
}
