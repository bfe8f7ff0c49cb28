package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/flowsess/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added idx_outbox_session for per-session outbox inspection
const currentSchemaVersion = 1

// Store is the SQLite backend. It is the default and keeps the input log.
// Uses WAL mode for concurrent reads during writes.
type Store struct {
	db *sql.DB
}

var (
	_ Backend  = (*Store)(nil)
	_ EventLog = (*Store)(nil)
)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_outbox_session
		ON outbox(session_id, seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// LoadState returns the stored state for a session, or nil if there is none.
func (s *Store) LoadState(ctx context.Context, sessionID string) (*ir.SessionState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM session_states WHERE session_id = ?
	`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}
	return unmarshalState([]byte(data))
}

// Commit writes the state change, outbox records and log entry in one
// transaction. Outbox and log inserts use ON CONFLICT(id) DO NOTHING so a
// retried commit adds nothing new.
func (s *Store) Commit(ctx context.Context, c Commit) error {
	if err := c.validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit %s: begin tx: %w", c.SessionID, err)
	}
	defer tx.Rollback() // No-op if committed

	if c.Delete {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM session_states WHERE session_id = ?
		`, c.SessionID); err != nil {
			return fmt.Errorf("commit %s: delete state: %w", c.SessionID, err)
		}
	} else {
		data, err := marshalState(c.State)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.SessionID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_states (session_id, status, state, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				status = excluded.status,
				state = excluded.state,
				updated_at = excluded.updated_at
		`, c.SessionID, string(c.State.Status), string(data), formatTime(time.Now())); err != nil {
			return fmt.Errorf("commit %s: write state: %w", c.SessionID, err)
		}
	}

	for _, r := range c.Outbound {
		event, err := marshalEvent(r.Event)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.SessionID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (id, session_id, destination, event)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, r.ID, c.SessionID, r.Destination, event); err != nil {
			return fmt.Errorf("commit %s: write outbox: %w", c.SessionID, err)
		}
	}

	if c.Log != nil {
		if err := writeLogEntry(ctx, tx, *c.Log); err != nil {
			return fmt.Errorf("commit %s: %w", c.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", c.SessionID, err)
	}
	return nil
}

func writeLogEntry(ctx context.Context, tx *sql.Tx, entry LogEntry) error {
	var event sql.NullString
	if entry.Event != nil {
		data, err := marshalEvent(*entry.Event)
		if err != nil {
			return err
		}
		event = sql.NullString{String: data, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_log (id, session_id, op, event, consumed_seq, at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, entry.ID, entry.SessionID, string(entry.Op), event, entry.Consumed, formatTime(entry.At))
	if err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

// PendingOutbox returns unpublished records ordered by seq.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT seq, id, destination, event
		FROM outbox
		WHERE published = 0
		ORDER BY seq ASC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r     Record
			event string
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.Destination, &event); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if r.Event, err = unmarshalEvent(event); err != nil {
			return nil, fmt.Errorf("outbox %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return records, nil
}

// MarkPublished flags records as published.
func (s *Store) MarkPublished(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET published = 1 WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// ListSessions returns stored session ids ordered by id COLLATE BINARY.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM session_states ORDER BY session_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return ids, nil
}

// ReadEventLog returns log entries with seq > afterSeq in seq order.
func (s *Store) ReadEventLog(ctx context.Context, afterSeq int64) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, session_id, op, event, consumed_seq, at
		FROM event_log
		WHERE seq > ?
		ORDER BY seq ASC
	`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var (
			e     LogEntry
			op    string
			event sql.NullString
			at    string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &op, &event, &e.Consumed, &at); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		e.Op = Op(op)
		if event.Valid {
			ev, err := unmarshalEvent(event.String)
			if err != nil {
				return nil, fmt.Errorf("event log %d: %w", e.Seq, err)
			}
			e.Event = &ev
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("event log %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event log: %w", err)
	}
	return entries, nil
}
