package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/flowsess/internal/ir"
)

// marshalState converts a SessionState to JSON for storage.
// Struct fields serialize in declaration order, so the output is stable.
func marshalState(state *ir.SessionState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state %s: %w", state.SessionID, err)
	}
	return data, nil
}

func unmarshalState(data []byte) (*ir.SessionState, error) {
	var state ir.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

func marshalEvent(ev ir.SessionEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return string(data), nil
}

func unmarshalEvent(data string) (ir.SessionEvent, error) {
	var ev ir.SessionEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return ir.SessionEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}

func marshalRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// formatTime is the TEXT form of timestamps in SQLite columns.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
