package engine

import (
	"slices"
	"time"

	"github.com/roach88/flowsess/internal/ir"
)

// receiveProcessor applies inbound events. It holds only configuration.
type receiveProcessor struct {
	cfg Config
}

func (r receiveProcessor) process(current *ir.SessionState, ev ir.SessionEvent, now time.Time) Result {
	if current == nil {
		return r.processNew(ev, now)
	}

	state := current.Clone()

	// ERROR is absorbing. Sequenced traffic is answered so the peer learns
	// the session is gone; everything else is ignored.
	if state.Status == ir.StatusError {
		if !ev.Kind().Sequenced() {
			return Result{State: state, Disposition: DispositionDropped}
		}
		reason := state.ErrorReason
		if reason == "" {
			reason = ReasonSessionErrored
		}
		return Result{State: state, Outbound: errorEvent(state.SessionID, reason, now), Disposition: DispositionDropped}
	}

	if r.cfg.timedOut(state, ev.Timestamp) {
		fail(state, ReasonTimedOut)
		return Result{State: state, Outbound: errorEvent(state.SessionID, ReasonTimedOut, now), Disposition: DispositionTimedOut}
	}

	if ev.Timestamp.After(state.LastReceivedTime) {
		state.LastReceivedTime = ev.Timestamp
	}

	switch p := ev.Payload.(type) {
	case ir.Init, ir.Data, ir.Close:
		return r.processSequenced(state, ev, now)
	case ir.Ack:
		return r.processAck(state, p)
	case ir.Error:
		if state.Status.Terminal() {
			return Result{State: state, Disposition: DispositionDropped}
		}
		fail(state, p.Reason)
		return Result{State: state, Disposition: DispositionApplied}
	case ir.Heartbeat:
		return Result{State: state, Disposition: DispositionApplied}
	default:
		return Result{State: state, Disposition: DispositionDropped}
	}
}

// processNew handles an event for a session with no state. Init opens the
// session; Data and Close that overtook their Init are parked in a
// provisional CREATED state.
func (r receiveProcessor) processNew(ev ir.SessionEvent, now time.Time) Result {
	switch ev.Payload.(type) {
	case ir.Init:
		if ev.SequenceNumber != 1 {
			return Result{Disposition: DispositionDropped}
		}
		state := newResponder(ev, now)
		state.Status = ir.StatusConfirmed
		if ev.Context != nil {
			state.Counterparty = *ev.Context
		}
		state.ReceivedEventsState.Insert(ev.Clone())
		return Result{
			State:       state,
			Outbound:    ackEvent(state.SessionID, []int64{1}, now),
			Disposition: DispositionApplied,
		}
	case ir.Data, ir.Close:
		if ev.SequenceNumber < 1 {
			return Result{Disposition: DispositionDropped}
		}
		state := newResponder(ev, now)
		state.Status = ir.StatusCreated
		state.ReceivedEventsState.Insert(ev.Clone())
		if ev.Kind() == ir.KindClose {
			state.ReceivedEventsState.CloseSequenceNumber = ev.SequenceNumber
		}
		return Result{State: state, Disposition: DispositionBuffered}
	default:
		return Result{Disposition: DispositionDropped}
	}
}

func newResponder(ev ir.SessionEvent, now time.Time) *ir.SessionState {
	return &ir.SessionState{
		SessionID:        ev.SessionID,
		Role:             ir.RoleResponder,
		StartTime:        now,
		LastReceivedTime: ev.Timestamp,
	}
}

func (r receiveProcessor) processSequenced(state *ir.SessionState, ev ir.SessionEvent, now time.Time) Result {
	seq := ev.SequenceNumber
	recv := &state.ReceivedEventsState
	kind := ev.Kind()

	if seq < 1 {
		return violate(state, ReasonInvalidSequence, now)
	}
	if kind == ir.KindInit && (state.Role != ir.RoleResponder || seq != 1) {
		return violate(state, ReasonUnexpectedInit, now)
	}

	// Redelivery: re-ack so a peer that lost our ack stops resending. A Close
	// still waiting for the flow is acked only once consumed.
	if seq <= recv.LastProcessedSequenceNumber || recv.Contains(seq) {
		if kind == ir.KindClose && recv.Contains(seq) {
			return Result{State: state, Disposition: DispositionDuplicate}
		}
		return Result{
			State:       state,
			Outbound:    ackEvent(state.SessionID, []int64{seq}, now),
			Disposition: DispositionDuplicate,
		}
	}

	if kind == ir.KindInit && state.Status != ir.StatusCreated {
		return violate(state, ReasonUnexpectedInit, now)
	}
	if state.Status == ir.StatusClosed {
		return violate(state, ReasonSessionClosed, now)
	}
	if recv.CloseSequenceNumber != 0 {
		if kind == ir.KindClose {
			return violate(state, ReasonDuplicateClose, now)
		}
		if seq > recv.CloseSequenceNumber {
			return violate(state, ReasonDataAfterClose, now)
		}
	}
	if kind == ir.KindClose && seq < recv.HighestSequenceNumber() {
		return violate(state, ReasonCloseBeforeData, now)
	}
	if r.cfg.MaxBufferedEvents > 0 && len(recv.UndeliveredMessages) >= r.cfg.MaxBufferedEvents {
		return violate(state, ReasonBufferFull, now)
	}

	recv.Insert(ev.Clone())

	switch kind {
	case ir.KindClose:
		recv.CloseSequenceNumber = seq
		if state.Status == ir.StatusConfirmed {
			state.Status = ir.StatusClosing
		}
	case ir.KindInit:
		if ev.Context != nil {
			state.Counterparty = *ev.Context
		}
		state.Status = ir.StatusConfirmed
		if recv.CloseSequenceNumber != 0 {
			state.Status = ir.StatusClosing
		}
	}

	run := recv.ContiguousFrom()
	disposition := DispositionBuffered
	if slices.Contains(run, seq) {
		disposition = DispositionApplied
	}

	acks := make([]int64, 0, len(run))
	for _, n := range run {
		if n != recv.CloseSequenceNumber {
			acks = append(acks, n)
		}
	}
	res := Result{State: state, Disposition: disposition}
	if len(acks) > 0 {
		res.Outbound = ackEvent(state.SessionID, acks, now)
	}
	return res
}

func (r receiveProcessor) processAck(state *ir.SessionState, ack ir.Ack) Result {
	send := &state.SendEventsState
	highest := send.HighestSequenceNumber()

	removed := 0
	for _, n := range ack.SequenceNumbers {
		if n < 1 || n > highest {
			continue
		}
		if send.Remove(n) {
			removed++
		}
	}

	if len(send.UndeliveredMessages) == 0 {
		send.LastProcessedSequenceNumber = highest
	} else if below := send.UndeliveredMessages[0].SequenceNumber - 1; below > send.LastProcessedSequenceNumber {
		send.LastProcessedSequenceNumber = below
	}

	if state.Status == ir.StatusCreated && state.Role == ir.RoleInitiator && send.LastProcessedSequenceNumber >= 1 {
		state.Status = ir.StatusConfirmed
		if state.ReceivedEventsState.CloseSequenceNumber != 0 {
			state.Status = ir.StatusClosing
		}
	}
	if state.Status == ir.StatusClosing && state.SentCloseAcked() {
		state.Status = ir.StatusWaitForFinalAck
		if state.ReceivedCloseConsumed() {
			state.Status = ir.StatusClosed
		}
	}

	if removed == 0 {
		return Result{State: state, Disposition: DispositionDuplicate}
	}
	return Result{State: state, Disposition: DispositionApplied}
}

// violate errors the session and tells the peer why.
func violate(state *ir.SessionState, reason string, now time.Time) Result {
	fail(state, reason)
	return Result{
		State:       state,
		Outbound:    errorEvent(state.SessionID, reason, now),
		Disposition: DispositionViolation,
	}
}
