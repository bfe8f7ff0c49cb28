package store

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/flowsess/internal/ir"
)

// MemoryStore keeps everything in process memory. It is used by the
// harness and tests, and keeps the input log like the SQLite backend.
type MemoryStore struct {
	mu sync.Mutex

	states    map[string]*ir.SessionState
	outbox    []Record
	recordIDs map[string]struct{}
	published map[string]struct{}
	log       []LogEntry
	logIDs    map[string]struct{}
	seq       int64
	logSeq    int64
}

var (
	_ Backend  = (*MemoryStore)(nil)
	_ EventLog = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:    make(map[string]*ir.SessionState),
		recordIDs: make(map[string]struct{}),
		published: make(map[string]struct{}),
		logIDs:    make(map[string]struct{}),
	}
}

func (m *MemoryStore) LoadState(_ context.Context, sessionID string) (*ir.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[sessionID].Clone(), nil
}

func (m *MemoryStore) Commit(_ context.Context, c Commit) error {
	if err := c.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c.Delete {
		delete(m.states, c.SessionID)
	} else {
		m.states[c.SessionID] = c.State.Clone()
	}

	for _, r := range c.Outbound {
		if _, ok := m.recordIDs[r.ID]; ok {
			continue
		}
		m.seq++
		r.Seq = m.seq
		r.Event = r.Event.Clone()
		m.recordIDs[r.ID] = struct{}{}
		m.outbox = append(m.outbox, r)
	}

	if c.Log != nil {
		if _, ok := m.logIDs[c.Log.ID]; !ok {
			m.logSeq++
			entry := *c.Log
			entry.Seq = m.logSeq
			m.logIDs[entry.ID] = struct{}{}
			m.log = append(m.log, entry)
		}
	}
	return nil
}

func (m *MemoryStore) PendingOutbox(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := []Record{}
	for _, r := range m.outbox {
		if _, done := m.published[r.ID]; done {
			continue
		}
		r.Event = r.Event.Clone()
		records = append(records, r)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.outbox {
		if slices.Contains(ids, r.ID) {
			m.published[r.ID] = struct{}{}
		}
	}
	// Compact once everything queued so far has gone out.
	if len(m.published) == len(m.outbox) {
		m.outbox = nil
		m.published = make(map[string]struct{})
	}
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemoryStore) ReadEventLog(_ context.Context, afterSeq int64) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := []LogEntry{}
	for _, e := range m.log {
		if e.Seq > afterSeq {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *MemoryStore) Close() error { return nil }
