// Package store persists session state, the transactional outbox and the
// input log.
//
// Every engine transition produces a new SessionState and at most a few
// outbound records. A Backend commits both in one atomic step so a crash
// either loses the whole transition (and bus redelivery replays it) or
// keeps it together with the records that must be published.
//
// # Critical Patterns
//
// Idempotent Commits:
//   - Outbox records are keyed by content-addressed ir.RecordID
//   - A retried Commit rewrites the same state and inserts no new records
//
// Deterministic Ordering:
//   - Outbox and input log are ordered by an insertion seq, never timestamps
//   - Session listings are ordered by id COLLATE BINARY
//
// # Backends
//
//   - sqlite: default, WAL mode, keeps the input log used by replay
//   - memory: tests and simulations, also keeps the input log
//   - badger: embedded key-value store, no input log
//   - redis: shared store for multi-process hosts, no input log
package store
