package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// eventJSON is the wire envelope. The kind field discriminates the payload.
type eventJSON struct {
	SessionID string              `json:"session_id"`
	Seq       int64               `json:"seq"`
	Timestamp time.Time           `json:"timestamp"`
	Kind      Kind                `json:"kind"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Context   *ContextIdentifiers `json:"context,omitempty"`
}

// MarshalJSON implements json.Marshaler for SessionEvent.
func (e SessionEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("session event %s seq %d: missing payload", e.SessionID, e.SequenceNumber)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Payload.Kind(), err)
	}
	return json.Marshal(eventJSON{
		SessionID: e.SessionID,
		Seq:       e.SequenceNumber,
		Timestamp: e.Timestamp,
		Kind:      e.Payload.Kind(),
		Payload:   body,
		Context:   e.Context,
	})
}

// UnmarshalJSON implements json.Unmarshaler for SessionEvent.
func (e *SessionEvent) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = SessionEvent{
		SessionID:      raw.SessionID,
		SequenceNumber: raw.Seq,
		Timestamp:      raw.Timestamp,
		Payload:        p,
		Context:        raw.Context,
	}
	return nil
}

// DecodePayload builds the payload variant named by kind from its JSON body.
func DecodePayload(kind Kind, body json.RawMessage) (Payload, error) {
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	switch kind {
	case KindInit:
		var p Init
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode init payload: %w", err)
		}
		return p, nil
	case KindData:
		var p Data
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode data payload: %w", err)
		}
		return p, nil
	case KindAck:
		var p Ack
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode ack payload: %w", err)
		}
		return p, nil
	case KindClose:
		return Close{}, nil
	case KindError:
		var p Error
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		return p, nil
	case KindHeartbeat:
		return Heartbeat{}, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
}
