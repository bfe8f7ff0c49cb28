package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent  = "flowsess/event/v1"
	DomainRecord = "flowsess/record/v1"
	DomainInput  = "flowsess/input/v1"
	DomainState  = "flowsess/state/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed identity of an event.
// Two events with the same session, sequence number, kind, timestamp and
// payload always share an ID.
func EventID(e SessionEvent) (string, error) {
	obj, err := CanonicalEvent(e)
	if err != nil {
		return "", fmt.Errorf("EventID: %w", err)
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// RecordID identifies one emission of an event to a destination.
//
// A resend of a buffered event at a later time is a new record, while
// re-running the same transition (same event, same emission time) yields
// the same record, so outbox writes stay idempotent under retries.
func RecordID(destination string, e SessionEvent, emittedAt time.Time) (string, error) {
	eventID, err := EventID(e)
	if err != nil {
		return "", fmt.Errorf("RecordID: %w", err)
	}
	canonical, err := MarshalCanonical(map[string]any{
		"destination": destination,
		"event_id":    eventID,
		"emitted_at":  emittedAt,
	})
	if err != nil {
		return "", fmt.Errorf("RecordID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

// StateID hashes a session state. A nil state has the empty ID.
func StateID(s *SessionState) (string, error) {
	if s == nil {
		return "", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("StateID: %w", err)
	}
	return hashWithDomain(DomainState, data), nil
}

// InputID identifies one input that drove a transition: an operation name,
// the session, the ID of the state it was applied to, the event for receive
// and send, the consumed sequence number for consume, and the time it was
// applied. Re-running the same transition yields the same ID, while the same
// input applied twice in a row does not, because the second application
// starts from a different state.
func InputID(op, sessionID, prevStateID string, e *SessionEvent, consumed int64, at time.Time) (string, error) {
	obj := map[string]any{
		"op":         op,
		"session_id": sessionID,
		"prev_state": prevStateID,
		"consumed":   consumed,
		"at":         at,
	}
	if e != nil {
		eventID, err := EventID(*e)
		if err != nil {
			return "", fmt.Errorf("InputID: %w", err)
		}
		obj["event_id"] = eventID
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("InputID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainInput, canonical), nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(e SessionEvent) string {
	id, err := EventID(e)
	if err != nil {
		panic(err)
	}
	return id
}
