package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsess/internal/ir"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore opens a SQLite store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:")
	t.Cleanup(func() { s.Close() })
	return mr, s
}

// backends returns a constructor for every backend under test.
func backends() map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		BackendSQLite: func(t *testing.T) Backend { return createTestStore(t) },
		BackendMemory: func(t *testing.T) Backend { return NewMemoryStore() },
		BackendBadger: func(t *testing.T) Backend { return createBadgerStore(t) },
		BackendRedis: func(t *testing.T) Backend {
			_, s := createRedisStore(t)
			return s
		},
	}
}

func testState(id string, status ir.Status) *ir.SessionState {
	return &ir.SessionState{
		SessionID: id,
		Role:      ir.RoleInitiator,
		Status:    status,
		Counterparty: ir.ContextIdentifiers{
			InitiatingIdentity: "alice",
			InitiatedIdentity:  "bob",
		},
		StartTime:        t0,
		LastReceivedTime: t0,
	}
}

func testEvent(id string, seq int64, body string) ir.SessionEvent {
	return ir.SessionEvent{
		SessionID:      id,
		SequenceNumber: seq,
		Timestamp:      t0.Add(time.Duration(seq) * time.Second),
		Payload:        ir.Data{Body: []byte(body)},
	}
}

func testRecord(t *testing.T, dest string, ev ir.SessionEvent) Record {
	t.Helper()
	id, err := ir.RecordID(dest, ev, ev.Timestamp)
	require.NoError(t, err)
	return Record{ID: id, Destination: dest, Event: ev}
}

func recordIDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
