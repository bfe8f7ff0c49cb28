package engine

import (
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/log"
)

// Planner decides what a host should publish for a session outside of any
// inbound or outbound event: owed acks, retransmissions of unacked events,
// heartbeats and inactivity errors.
//
// Like the processors it is pure. The host calls MessagesToSend from its
// periodic tick and commits the returned state together with the events.
type Planner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewPlanner creates a Planner. Options override DefaultConfig.
func NewPlanner(logger zerolog.Logger, opts ...Option) *Planner {
	return &Planner{cfg: newConfig(opts), logger: logger}
}

// MessagesToSend returns the next state and the events to publish at now.
//
// When nothing is due it returns current unchanged and no events, so a
// caller only needs to persist when the slice is non-empty.
func (p *Planner) MessagesToSend(current *ir.SessionState, now time.Time) (*ir.SessionState, []ir.SessionEvent) {
	if current == nil {
		return nil, nil
	}

	if p.cfg.timedOut(current, now) {
		state := current.Clone()
		fail(state, ReasonTimedOut)
		state.LastSentTime = now
		p.logger.Warn().
			Str(log.FieldSessionID, state.SessionID).
			Str(log.FieldOldStatus, string(current.Status)).
			Msg("session timed out")
		return state, []ir.SessionEvent{*errorEvent(state.SessionID, ReasonTimedOut, now)}
	}
	if current.Status == ir.StatusError {
		return current, nil
	}

	state := current.Clone()
	var out []ir.SessionEvent

	if len(state.PendingAcks) > 0 {
		acks := slices.Clone(state.PendingAcks)
		slices.Sort(acks)
		out = append(out, *ackEvent(state.SessionID, slices.Compact(acks), now))
		state.PendingAcks = nil
	}

	if resend := p.dueForResend(state, now); len(resend) > 0 {
		out = append(out, resend...)
		state.LastResendTime = now
		p.logger.Debug().
			Str(log.FieldSessionID, state.SessionID).
			Int("count", len(resend)).
			Msg("resending unacked events")
	}

	if len(out) == 0 && p.heartbeatDue(state, now) {
		out = append(out, ir.SessionEvent{
			SessionID: state.SessionID,
			Timestamp: now,
			Payload:   ir.Heartbeat{},
		})
	}

	if len(out) == 0 {
		return current, nil
	}
	state.LastSentTime = now
	return state, out
}

// dueForResend returns the buffered send events whose last transmission is at
// least one resend window old.
func (p *Planner) dueForResend(state *ir.SessionState, now time.Time) []ir.SessionEvent {
	if p.cfg.ResendWindow <= 0 {
		return nil
	}
	var due []ir.SessionEvent
	for _, ev := range state.SendEventsState.UndeliveredMessages {
		last := ev.Timestamp
		if state.LastResendTime.After(last) {
			last = state.LastResendTime
		}
		if now.Sub(last) >= p.cfg.ResendWindow {
			due = append(due, ev.Clone())
		}
	}
	return due
}

func (p *Planner) heartbeatDue(state *ir.SessionState, now time.Time) bool {
	if p.cfg.HeartbeatInterval <= 0 {
		return false
	}
	switch state.Status {
	case ir.StatusConfirmed, ir.StatusClosing, ir.StatusWaitForFinalAck:
	default:
		return false
	}
	return now.Sub(state.LastSentTime) >= p.cfg.HeartbeatInterval
}
