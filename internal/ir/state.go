package ir

import (
	"slices"
	"time"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusConfirmed       Status = "CONFIRMED"
	StatusClosing         Status = "CLOSING"
	StatusWaitForFinalAck Status = "WAIT_FOR_FINAL_ACK"
	StatusClosed          Status = "CLOSED"
	StatusError           Status = "ERROR"
)

// Terminal reports whether no further lifecycle progress is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusError
}

// rank orders statuses along the lifecycle lattice. ERROR is reachable from
// every status and is handled separately by CanTransition.
func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusConfirmed:
		return 2
	case StatusClosing:
		return 3
	case StatusWaitForFinalAck:
		return 4
	case StatusClosed:
		return 5
	default:
		return 0
	}
}

// CanTransition reports whether moving from s to next respects the lattice:
// forward only, except that anything may move into ERROR and ERROR is absorbing.
func (s Status) CanTransition(next Status) bool {
	if s == StatusError {
		return next == StatusError
	}
	if next == StatusError {
		return true
	}
	return next.rank() >= s.rank() && next.rank() > 0
}

// Role records which side of the session this state belongs to.
type Role string

const (
	RoleInitiator Role = "INITIATOR"
	RoleResponder Role = "RESPONDER"
)

// DirectionalEventState is the bookkeeping for one direction of a session.
//
// For the send side, UndeliveredMessages holds sent events not yet acked by
// the peer and LastProcessedSequenceNumber is the highest contiguous acked
// number. For the receive side, UndeliveredMessages holds received events not
// yet consumed by the flow (sorted, duplicate free) and
// LastProcessedSequenceNumber is the highest number the flow has consumed.
type DirectionalEventState struct {
	UndeliveredMessages         []SessionEvent `json:"undelivered_messages"`
	LastProcessedSequenceNumber int64          `json:"last_processed_sequence_number"`

	// CloseSequenceNumber is the number of the Close in this direction, 0 if none.
	CloseSequenceNumber int64 `json:"close_sequence_number,omitempty"`
}

// HighestSequenceNumber returns the highest number recorded in this direction,
// either processed or still buffered.
func (d DirectionalEventState) HighestSequenceNumber() int64 {
	highest := d.LastProcessedSequenceNumber
	for _, ev := range d.UndeliveredMessages {
		if ev.SequenceNumber > highest {
			highest = ev.SequenceNumber
		}
	}
	return highest
}

// Contains reports whether seq is currently buffered.
func (d DirectionalEventState) Contains(seq int64) bool {
	_, found := d.search(seq)
	return found
}

// search finds seq in the sorted buffer.
func (d DirectionalEventState) search(seq int64) (int, bool) {
	return slices.BinarySearchFunc(d.UndeliveredMessages, seq, func(ev SessionEvent, target int64) int {
		switch {
		case ev.SequenceNumber < target:
			return -1
		case ev.SequenceNumber > target:
			return 1
		default:
			return 0
		}
	})
}

// Insert adds ev at its sorted position. It returns false and leaves the
// buffer untouched when the sequence number is already present.
func (d *DirectionalEventState) Insert(ev SessionEvent) bool {
	idx, found := d.search(ev.SequenceNumber)
	if found {
		return false
	}
	d.UndeliveredMessages = slices.Insert(d.UndeliveredMessages, idx, ev)
	return true
}

// Remove deletes seq from the buffer and reports whether it was present.
func (d *DirectionalEventState) Remove(seq int64) bool {
	idx, found := d.search(seq)
	if !found {
		return false
	}
	d.UndeliveredMessages = slices.Delete(d.UndeliveredMessages, idx, idx+1)
	return true
}

// ContiguousFrom returns the sequence numbers buffered without a gap
// immediately after LastProcessedSequenceNumber.
func (d DirectionalEventState) ContiguousFrom() []int64 {
	var out []int64
	next := d.LastProcessedSequenceNumber + 1
	idx, _ := d.search(next)
	for _, ev := range d.UndeliveredMessages[idx:] {
		if ev.SequenceNumber != next {
			break
		}
		out = append(out, next)
		next++
	}
	return out
}

func (d DirectionalEventState) clone() DirectionalEventState {
	out := d
	if d.UndeliveredMessages != nil {
		out.UndeliveredMessages = make([]SessionEvent, len(d.UndeliveredMessages))
		for i, ev := range d.UndeliveredMessages {
			out.UndeliveredMessages[i] = ev.Clone()
		}
	}
	return out
}

// SessionState is the full persisted state of one session endpoint.
type SessionState struct {
	SessionID           string                `json:"session_id"`
	Role                Role                  `json:"role"`
	Status              Status                `json:"status"`
	Counterparty        ContextIdentifiers    `json:"counterparty"`
	SendEventsState     DirectionalEventState `json:"send_events_state"`
	ReceivedEventsState DirectionalEventState `json:"received_events_state"`

	// StartTime is when this endpoint first learned of the session.
	StartTime time.Time `json:"start_time"`
	// LastReceivedTime is the latest timestamp seen on an inbound event.
	LastReceivedTime time.Time `json:"last_received_time"`
	// LastSentTime is the last time anything was emitted for this session.
	LastSentTime time.Time `json:"last_sent_time"`
	// LastResendTime is the last time the send buffer was retransmitted.
	LastResendTime time.Time `json:"last_resend_time"`

	// PendingAcks holds acks owed to the peer that were not emitted with the
	// transition that created them (a consumed Close).
	PendingAcks []int64 `json:"pending_acks,omitempty"`

	// ErrorReason is set when Status is ERROR.
	ErrorReason string `json:"error_reason,omitempty"`
}

// Clone returns a deep copy. Engine transitions always work on a clone.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := *s
	out.SendEventsState = s.SendEventsState.clone()
	out.ReceivedEventsState = s.ReceivedEventsState.clone()
	if s.PendingAcks != nil {
		out.PendingAcks = append([]int64(nil), s.PendingAcks...)
	}
	return &out
}

// Deletable reports whether the caller may discard this state. Owed acks
// must be flushed first or the peer never finishes its close handshake.
func (s *SessionState) Deletable() bool {
	return s.Status.Terminal() &&
		len(s.SendEventsState.UndeliveredMessages) == 0 &&
		len(s.ReceivedEventsState.UndeliveredMessages) == 0 &&
		len(s.PendingAcks) == 0
}

// SentCloseAcked reports whether our Close has been acknowledged by the peer.
func (s *SessionState) SentCloseAcked() bool {
	c := s.SendEventsState.CloseSequenceNumber
	return c != 0 && s.SendEventsState.LastProcessedSequenceNumber >= c
}

// ReceivedCloseConsumed reports whether the peer's Close has been consumed by the flow.
func (s *SessionState) ReceivedCloseConsumed() bool {
	c := s.ReceivedEventsState.CloseSequenceNumber
	return c != 0 && s.ReceivedEventsState.LastProcessedSequenceNumber >= c
}
