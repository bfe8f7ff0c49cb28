package engine

import (
	"time"

	"github.com/roach88/flowsess/internal/ir"
)

// sendProcessor numbers and buffers outbound events.
type sendProcessor struct{}

func (s sendProcessor) process(current *ir.SessionState, ev ir.SessionEvent, now time.Time) (Result, error) {
	_, isInit := ev.Payload.(ir.Init)

	if current == nil {
		if !isInit {
			return Result{}, newProcessingError(ErrCodeNoSession, ev.SessionID, "cannot send %s before init", ev.Kind())
		}
		state := &ir.SessionState{
			SessionID: ev.SessionID,
			Role:      ir.RoleInitiator,
			Status:    ir.StatusCreated,
			StartTime: now,
		}
		if ev.Context != nil {
			state.Counterparty = *ev.Context
		}
		return Result{State: state, Outbound: sendSequenced(state, ev, now), Disposition: DispositionApplied}, nil
	}
	if isInit {
		return Result{}, newProcessingError(ErrCodeSessionExists, ev.SessionID, "session already %s", current.Status)
	}

	state := current.Clone()
	if state.Status == ir.StatusError {
		return Result{State: state, Disposition: DispositionDropped}, nil
	}

	switch p := ev.Payload.(type) {
	case ir.Data:
		switch {
		case state.Status == ir.StatusClosed:
			return sendViolation(state, ReasonSendOnClosed, now), nil
		case state.SendEventsState.CloseSequenceNumber != 0,
			state.ReceivedEventsState.CloseSequenceNumber != 0,
			state.Status != ir.StatusCreated && state.Status != ir.StatusConfirmed:
			return sendViolation(state, ReasonSendAfterClose, now), nil
		}
		return Result{State: state, Outbound: sendSequenced(state, ev, now), Disposition: DispositionApplied}, nil

	case ir.Close:
		// Close waits until everything sent so far is acked.
		if state.SendEventsState.CloseSequenceNumber != 0 ||
			(state.Status != ir.StatusConfirmed && state.Status != ir.StatusClosing) ||
			len(state.SendEventsState.UndeliveredMessages) > 0 {
			return Result{State: state, Disposition: DispositionDeferred}, nil
		}
		out := sendSequenced(state, ev, now)
		state.SendEventsState.CloseSequenceNumber = out.SequenceNumber
		state.Status = ir.StatusClosing
		return Result{State: state, Outbound: out, Disposition: DispositionApplied}, nil

	case ir.Error:
		if state.Status.Terminal() {
			return Result{State: state, Disposition: DispositionDropped}, nil
		}
		reason := p.Reason
		if reason == "" {
			reason = ReasonLocalAbort
		}
		fail(state, reason)
		state.LastSentTime = now
		return Result{State: state, Outbound: errorEvent(state.SessionID, reason, now), Disposition: DispositionApplied}, nil

	case ir.Ack, ir.Heartbeat:
		out := ev.Clone()
		out.SequenceNumber = 0
		if out.Timestamp.IsZero() {
			out.Timestamp = now
		}
		state.LastSentTime = now
		return Result{State: state, Outbound: &out, Disposition: DispositionApplied}, nil

	default:
		return Result{}, newProcessingError(ErrCodeUnknownPayload, ev.SessionID, "unhandled payload %T", ev.Payload)
	}
}

// sendSequenced assigns the next sequence number, buffers the event until it
// is acked and returns the event as sent.
func sendSequenced(state *ir.SessionState, ev ir.SessionEvent, now time.Time) *ir.SessionEvent {
	out := ev.Clone()
	out.SessionID = state.SessionID
	out.SequenceNumber = state.SendEventsState.HighestSequenceNumber() + 1
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	state.SendEventsState.Insert(out.Clone())
	state.LastSentTime = now
	return &out
}

func sendViolation(state *ir.SessionState, reason string, now time.Time) Result {
	res := violate(state, reason, now)
	state.LastSentTime = now
	return res
}
