package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flowsess/internal/ir"
)

// Record is one outbound event waiting to be published.
type Record struct {
	// ID is the ir.RecordID of this emission.
	ID string `json:"id"`
	// Destination names the node the event is addressed to.
	Destination string `json:"destination"`
	// Event is the event as sent.
	Event ir.SessionEvent `json:"event"`
	// Seq is the insertion order assigned by the backend.
	Seq int64 `json:"seq"`
}

// Op names the operation a LogEntry records.
type Op string

const (
	OpReceive Op = "receive"
	OpSend    Op = "send"
	OpConsume Op = "consume"
	OpTick    Op = "tick"
	OpDelete  Op = "delete"
)

// LogEntry is one input that drove a transition. Re-running the entries of a
// session in order against an empty state reproduces its stored state.
type LogEntry struct {
	ID        string           `json:"id"`
	Seq       int64            `json:"seq"`
	SessionID string           `json:"session_id"`
	Op        Op               `json:"op"`
	Event     *ir.SessionEvent `json:"event,omitempty"`
	Consumed  int64            `json:"consumed,omitempty"`
	At        time.Time        `json:"at"`
}

// NewLogEntry builds a LogEntry with its content-addressed ID. prev is the
// state the input is applied to, nil for a session that does not exist yet.
func NewLogEntry(op Op, sessionID string, prev *ir.SessionState, ev *ir.SessionEvent, consumed int64, at time.Time) (LogEntry, error) {
	prevID, err := ir.StateID(prev)
	if err != nil {
		return LogEntry{}, fmt.Errorf("log entry: %w", err)
	}
	id, err := ir.InputID(string(op), sessionID, prevID, ev, consumed, at)
	if err != nil {
		return LogEntry{}, fmt.Errorf("log entry: %w", err)
	}
	var copied *ir.SessionEvent
	if ev != nil {
		c := ev.Clone()
		copied = &c
	}
	return LogEntry{ID: id, SessionID: sessionID, Op: op, Event: copied, Consumed: consumed, At: at}, nil
}

// Commit is the unit written atomically after one transition.
type Commit struct {
	SessionID string
	// State is the next state. Ignored when Delete is set.
	State *ir.SessionState
	// Delete removes the session instead of writing State.
	Delete bool
	// Outbound records to enqueue. Already-known IDs are skipped.
	Outbound []Record
	// Log is the input that produced this commit, if the backend keeps a log.
	Log *LogEntry
}

func (c Commit) validate() error {
	if c.SessionID == "" {
		return errors.New("commit: missing session id")
	}
	if !c.Delete && c.State == nil {
		return fmt.Errorf("commit %s: missing state", c.SessionID)
	}
	if c.State != nil && c.State.SessionID != c.SessionID {
		return fmt.Errorf("commit %s: state belongs to %s", c.SessionID, c.State.SessionID)
	}
	for _, r := range c.Outbound {
		if r.ID == "" {
			return fmt.Errorf("commit %s: outbound record without id", c.SessionID)
		}
	}
	return nil
}

// Backend is the persistence collaborator of a host node.
type Backend interface {
	// LoadState returns the stored state, or nil when the session is unknown.
	LoadState(ctx context.Context, sessionID string) (*ir.SessionState, error)

	// Commit atomically writes a state change with its outbound records.
	Commit(ctx context.Context, c Commit) error

	// PendingOutbox returns up to limit unpublished records in insertion order.
	// A limit <= 0 returns all of them.
	PendingOutbox(ctx context.Context, limit int) ([]Record, error)

	// MarkPublished removes records from the pending set. Unknown ids are ignored.
	MarkPublished(ctx context.Context, ids ...string) error

	// ListSessions returns all stored session ids in binary order.
	ListSessions(ctx context.Context) ([]string, error)

	Close() error
}

// EventLog is implemented by backends that keep the input log.
type EventLog interface {
	// ReadEventLog returns log entries with seq > afterSeq in seq order.
	ReadEventLog(ctx context.Context, afterSeq int64) ([]LogEntry, error)
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Path is the database file (sqlite) or directory (badger).
	Path  string
	Redis RedisConfig
}

// OpenBackend creates a Backend based on the configuration.
func OpenBackend(cfg Config) (Backend, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendSQLite
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, errors.New("sqlite backend requires a path")
		}
		return Open(cfg.Path)
	case BackendBadger:
		return OpenBadgerStore(cfg.Path)
	case BackendRedis:
		return OpenRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: sqlite, memory, badger, redis)", backend)
	}
}
