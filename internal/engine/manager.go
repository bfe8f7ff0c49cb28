package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/log"
)

// Manager is the session manager façade. It selects the processor for each
// event and exposes the delivery API used by the flow.
//
// Thread-safety model:
//   - Manager holds no per-session state and is safe for concurrent use.
//   - Callers must serialize calls for the same session id.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	receive receiveProcessor
	send    sendProcessor
}

// NewManager creates a Manager. Options override DefaultConfig.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	cfg := newConfig(opts)
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		receive: receiveProcessor{cfg: cfg},
	}
}

// Config returns the configuration in effect.
func (m *Manager) Config() Config {
	return m.cfg
}

// ProcessMessageReceived applies an inbound event keyed by key to current,
// which is nil when no session exists yet.
//
// The returned error is non-nil only for unusable input (see ProcessingError).
// Protocol violations are reported through Result.Disposition and an outbound
// Error event.
func (m *Manager) ProcessMessageReceived(key string, current *ir.SessionState, ev ir.SessionEvent, now time.Time) (Result, error) {
	if err := validate(key, current, ev); err != nil {
		return Result{}, err
	}
	res := m.receive.process(current, ev, now)
	m.logResult("inbound", current, ev, res)
	return res, nil
}

// ProcessMessageToSend numbers and buffers an outbound event. The event as
// actually sent, with its assigned sequence number, is Result.Outbound.
func (m *Manager) ProcessMessageToSend(key string, current *ir.SessionState, ev ir.SessionEvent, now time.Time) (Result, error) {
	if err := validate(key, current, ev); err != nil {
		return Result{}, err
	}
	res, err := m.send.process(current, ev, now)
	if err != nil {
		return Result{}, err
	}
	m.logResult("outbound", current, ev, res)
	return res, nil
}

// GetNextReceivedEvent returns the head of the receive buffer if it is the
// next event the flow should see, or nil while a gap is pending.
func (m *Manager) GetNextReceivedEvent(state *ir.SessionState) *ir.SessionEvent {
	if state == nil || len(state.ReceivedEventsState.UndeliveredMessages) == 0 {
		return nil
	}
	head := state.ReceivedEventsState.UndeliveredMessages[0]
	if head.SequenceNumber != state.ReceivedEventsState.LastProcessedSequenceNumber+1 {
		return nil
	}
	ev := head.Clone()
	return &ev
}

// AcknowledgeReceivedEvent records that the flow consumed seq and returns the
// next state. Anything other than the deliverable head is a no-op.
//
// Consuming the peer's Close owes the peer an ack, which is queued in
// PendingAcks for the planner to emit.
func (m *Manager) AcknowledgeReceivedEvent(state *ir.SessionState, seq int64) *ir.SessionState {
	if state == nil {
		return nil
	}
	next := state.Clone()
	recv := &next.ReceivedEventsState
	if seq != recv.LastProcessedSequenceNumber+1 || len(recv.UndeliveredMessages) == 0 ||
		recv.UndeliveredMessages[0].SequenceNumber != seq {
		m.logger.Debug().
			Str(log.FieldSessionID, state.SessionID).
			Int64(log.FieldSeq, seq).
			Msg("ignoring acknowledgement of undeliverable event")
		return next
	}

	recv.Remove(seq)
	recv.LastProcessedSequenceNumber = seq

	if seq == recv.CloseSequenceNumber {
		next.PendingAcks = append(next.PendingAcks, seq)
		if (next.Status == ir.StatusClosing || next.Status == ir.StatusWaitForFinalAck) && next.SentCloseAcked() {
			next.Status = ir.StatusClosed
		}
	}

	m.logger.Debug().
		Str(log.FieldSessionID, state.SessionID).
		Int64(log.FieldSeq, seq).
		Str(log.FieldNewStatus, string(next.Status)).
		Msg("event consumed")
	return next
}

func (m *Manager) logResult(direction string, current *ir.SessionState, ev ir.SessionEvent, res Result) {
	e := m.logger.Debug()
	if res.Disposition == DispositionViolation || res.Disposition == DispositionTimedOut {
		e = m.logger.Warn()
	}
	if !e.Enabled() {
		return
	}
	e = e.Str(log.FieldSessionID, ev.SessionID).
		Str(log.FieldDirection, direction).
		Str(log.FieldKind, string(ev.Kind())).
		Int64(log.FieldSeq, ev.SequenceNumber).
		Str(log.FieldDisposition, string(res.Disposition))
	if current != nil {
		e = e.Str(log.FieldOldStatus, string(current.Status))
	}
	if res.State != nil {
		e = e.Str(log.FieldNewStatus, string(res.State.Status))
		if res.State.ErrorReason != "" {
			e = e.Str(log.FieldReason, res.State.ErrorReason)
		}
	}
	e.Msg("session event processed")
}
