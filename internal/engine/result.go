package engine

import (
	"time"

	"github.com/roach88/flowsess/internal/ir"
)

// Disposition tells the caller what a transition did. It exists for logging
// and metrics; correctness never depends on it.
type Disposition string

const (
	// DispositionApplied means the event changed the session.
	DispositionApplied Disposition = "applied"
	// DispositionDuplicate means the event was already seen; at most a re-ack is emitted.
	DispositionDuplicate Disposition = "duplicate"
	// DispositionBuffered means the event was stored behind a gap.
	DispositionBuffered Disposition = "buffered"
	// DispositionDeferred means a send was refused for now; the caller retries later.
	DispositionDeferred Disposition = "deferred"
	// DispositionDropped means the event was ignored.
	DispositionDropped Disposition = "dropped"
	// DispositionViolation means the event broke the protocol and the session errored.
	DispositionViolation Disposition = "violation"
	// DispositionTimedOut means the session errored on inactivity.
	DispositionTimedOut Disposition = "timed_out"
)

// Result is the outcome of one transition.
//
// State is the full next state (nil only when no session exists and none was
// created). Outbound is the single record to publish atomically with State,
// if any.
type Result struct {
	State       *ir.SessionState
	Outbound    *ir.SessionEvent
	Disposition Disposition
}

// Reasons carried by Error events the engine synthesizes.
const (
	ReasonTimedOut        = "session timed out"
	ReasonSessionErrored  = "session is in error"
	ReasonDataAfterClose  = "data received after close"
	ReasonDuplicateClose  = "close received twice"
	ReasonCloseBeforeData = "close numbered below buffered events"
	ReasonBufferFull      = "receive buffer full"
	ReasonSessionClosed   = "event received on closed session"
	ReasonInvalidSequence = "invalid sequence number"
	ReasonUnexpectedInit  = "unexpected init"
	ReasonSendAfterClose  = "data sent after close"
	ReasonSendOnClosed    = "data sent on closed session"
	ReasonLocalAbort      = "session aborted"
)

func ackEvent(sessionID string, seqs []int64, now time.Time) *ir.SessionEvent {
	return &ir.SessionEvent{
		SessionID: sessionID,
		Timestamp: now,
		Payload:   ir.Ack{SequenceNumbers: seqs},
	}
}

func errorEvent(sessionID, reason string, now time.Time) *ir.SessionEvent {
	return &ir.SessionEvent{
		SessionID: sessionID,
		Timestamp: now,
		Payload:   ir.Error{Reason: reason},
	}
}

// fail moves state to ERROR, discarding both buffers and any owed acks.
func fail(state *ir.SessionState, reason string) {
	state.Status = ir.StatusError
	state.ErrorReason = reason
	state.SendEventsState.UndeliveredMessages = nil
	state.ReceivedEventsState.UndeliveredMessages = nil
	state.PendingAcks = nil
}

func validate(key string, current *ir.SessionState, ev ir.SessionEvent) error {
	if ev.Payload == nil {
		return newProcessingError(ErrCodeMissingPayload, ev.SessionID, "event seq %d has no payload", ev.SequenceNumber)
	}
	if !ev.Payload.Kind().Valid() {
		return newProcessingError(ErrCodeUnknownPayload, ev.SessionID, "unknown payload kind %q", ev.Payload.Kind())
	}
	if key != ev.SessionID {
		return newProcessingError(ErrCodeKeyMismatch, ev.SessionID, "event keyed %q", key)
	}
	if current != nil && current.SessionID != ev.SessionID {
		return newProcessingError(ErrCodeKeyMismatch, ev.SessionID, "state belongs to %q", current.SessionID)
	}
	return nil
}
