package ir

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the payload variant of a SessionEvent.
type Kind string

const (
	KindInit      Kind = "init"
	KindData      Kind = "data"
	KindAck       Kind = "ack"
	KindClose     Kind = "close"
	KindError     Kind = "error"
	KindHeartbeat Kind = "heartbeat"
)

// Sequenced reports whether events of this kind consume a sequence number.
func (k Kind) Sequenced() bool {
	switch k {
	case KindInit, KindData, KindClose:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInit, KindData, KindAck, KindClose, KindError, KindHeartbeat:
		return true
	default:
		return false
	}
}

// Payload is a sealed interface over the six session payload kinds.
// Only Init, Data, Ack, Close, Error and Heartbeat implement it.
type Payload interface {
	Kind() Kind
	payload() // Sealed
}

// Init opens a session. It is the first event sent by the initiator and is
// delivered to the responder flow like any other sequenced event.
type Init struct {
	Props map[string]string `json:"props,omitempty"`
	Body  []byte            `json:"body,omitempty"`
}

func (Init) Kind() Kind { return KindInit }
func (Init) payload()   {}

// Data carries flow payload bytes.
type Data struct {
	Body []byte `json:"body"`
}

func (Data) Kind() Kind { return KindData }
func (Data) payload()   {}

// Ack acknowledges a set of sequence numbers received by the peer.
type Ack struct {
	SequenceNumbers []int64 `json:"sequence_numbers"`
}

func (Ack) Kind() Kind { return KindAck }
func (Ack) payload()   {}

// Close requests graceful shutdown of one direction of the session.
type Close struct{}

func (Close) Kind() Kind { return KindClose }
func (Close) payload()   {}

// Error aborts the session unilaterally.
type Error struct {
	Reason string `json:"reason"`
}

func (Error) Kind() Kind { return KindError }
func (Error) payload()   {}

// Heartbeat keeps a session alive without consuming a sequence number.
type Heartbeat struct{}

func (Heartbeat) Kind() Kind { return KindHeartbeat }
func (Heartbeat) payload()   {}

// ContextIdentifiers names the two parties of a session.
type ContextIdentifiers struct {
	InitiatingIdentity string `json:"initiating_identity"`
	InitiatedIdentity  string `json:"initiated_identity"`
}

// SessionEvent is the immutable message exchanged between two session endpoints.
type SessionEvent struct {
	SessionID      string
	SequenceNumber int64
	Timestamp      time.Time
	Payload        Payload
	Context        *ContextIdentifiers
}

// Kind returns the payload kind, or "" when the payload is missing.
func (e SessionEvent) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// String renders a short human-readable form used in logs and traces.
func (e SessionEvent) String() string {
	switch p := e.Payload.(type) {
	case Data:
		return fmt.Sprintf("%s DATA seq=%d %q", e.SessionID, e.SequenceNumber, p.Body)
	case Ack:
		return fmt.Sprintf("%s ACK %v", e.SessionID, p.SequenceNumbers)
	case Error:
		return fmt.Sprintf("%s ERROR %q", e.SessionID, p.Reason)
	case nil:
		return fmt.Sprintf("%s <nil> seq=%d", e.SessionID, e.SequenceNumber)
	default:
		if e.Payload.Kind().Sequenced() {
			return fmt.Sprintf("%s %s seq=%d", e.SessionID, strings.ToUpper(string(e.Payload.Kind())), e.SequenceNumber)
		}
		return fmt.Sprintf("%s %s", e.SessionID, strings.ToUpper(string(e.Payload.Kind())))
	}
}

// Clone returns a deep copy of the event.
// Payload slices and maps are copied so the clone shares no mutable memory.
func (e SessionEvent) Clone() SessionEvent {
	out := e
	switch p := e.Payload.(type) {
	case Init:
		var props map[string]string
		if p.Props != nil {
			props = make(map[string]string, len(p.Props))
			for k, v := range p.Props {
				props[k] = v
			}
		}
		out.Payload = Init{Props: props, Body: cloneBytes(p.Body)}
	case Data:
		out.Payload = Data{Body: cloneBytes(p.Body)}
	case Ack:
		out.Payload = Ack{SequenceNumbers: append([]int64(nil), p.SequenceNumbers...)}
	}
	if e.Context != nil {
		c := *e.Context
		out.Context = &c
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
