package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/flowsess/internal/ir"
)

// Badger key layout:
//   - state:<session id>        JSON SessionState
//   - outbox:id:<record id>     seq of the record, kept after publish for dedup
//   - outbox:pending:<seq>      JSON Record, zero padded seq so keys sort
//   - meta:outbox_seq           last assigned seq
const (
	badgerStatePrefix   = "state:"
	badgerRecordPrefix  = "outbox:id:"
	badgerPendingPrefix = "outbox:pending:"
	badgerSeqKey        = "meta:outbox_seq"

	// recordMarkerTTL bounds how long a published record id is remembered.
	recordMarkerTTL = 24 * time.Hour

	badgerConflictRetries = 5
)

// BadgerStore is an embedded key-value backend. It does not keep the input log.
type BadgerStore struct {
	db *badger.DB
}

var _ Backend = (*BadgerStore)(nil)

// OpenBadgerStore opens a badger database in dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func stateKey(sessionID string) []byte { return []byte(badgerStatePrefix + sessionID) }
func recordKey(id string) []byte       { return []byte(badgerRecordPrefix + id) }
func pendingKey(seq int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", badgerPendingPrefix, seq))
}

func (s *BadgerStore) LoadState(ctx context.Context, sessionID string) (*ir.SessionState, error) {
	var out *ir.SessionState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state, err := unmarshalState(val)
			out = state
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", sessionID, err)
	}
	return out, nil
}

// Commit writes state and outbox records in one badger transaction.
// Transactions touching the seq counter concurrently are retried on conflict.
func (s *BadgerStore) Commit(ctx context.Context, c Commit) error {
	if err := c.validate(); err != nil {
		return err
	}

	var stateBuf []byte
	if !c.Delete {
		buf, err := marshalState(c.State)
		if err != nil {
			return fmt.Errorf("commit %s: %w", c.SessionID, err)
		}
		stateBuf = buf
	}

	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return s.commitTxn(txn, c, stateBuf)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("commit %s: %w", c.SessionID, err)
	}
	return nil
}

func (s *BadgerStore) commitTxn(txn *badger.Txn, c Commit, stateBuf []byte) error {
	if c.Delete {
		if err := txn.Delete(stateKey(c.SessionID)); err != nil {
			return err
		}
	} else if err := txn.Set(stateKey(c.SessionID), stateBuf); err != nil {
		return err
	}

	if len(c.Outbound) == 0 {
		return nil
	}

	seq, err := readSeq(txn)
	if err != nil {
		return err
	}
	for _, r := range c.Outbound {
		_, err := txn.Get(recordKey(r.ID))
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq++
		r.Seq = seq
		buf, err := marshalRecord(r)
		if err != nil {
			return err
		}
		if err := txn.Set(pendingKey(seq), buf); err != nil {
			return err
		}
		marker := badger.NewEntry(recordKey(r.ID), encodeSeq(seq)).WithTTL(recordMarkerTTL)
		if err := txn.SetEntry(marker); err != nil {
			return err
		}
	}
	return txn.Set([]byte(badgerSeqKey), encodeSeq(seq))
}

func readSeq(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(badgerSeqKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq int64
	err = item.Value(func(val []byte) error {
		seq, err = decodeSeq(val)
		return err
	})
	return seq, err
}

func encodeSeq(seq int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

func decodeSeq(val []byte) (int64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid seq value of %d bytes", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (s *BadgerStore) PendingOutbox(ctx context.Context, limit int) ([]Record, error) {
	records := []Record{}
	prefix := []byte(badgerPendingPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				var err error
				r, err = unmarshalRecord(val)
				return err
			}); err != nil {
				return err
			}
			records = append(records, r)
			if limit > 0 && len(records) == limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	return records, nil
}

func (s *BadgerStore) MarkPublished(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(recordKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var seq int64
			if err := item.Value(func(val []byte) error {
				var err error
				seq, err = decodeSeq(val)
				return err
			}); err != nil {
				return err
			}
			if err := txn.Delete(pendingKey(seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// ListSessions relies on badger iterating keys in byte order.
func (s *BadgerStore) ListSessions(ctx context.Context) ([]string, error) {
	ids := []string{}
	prefix := []byte(badgerStatePrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}
