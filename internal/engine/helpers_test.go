package engine

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/testutil"
)

var t0 = testutil.Epoch

func newTestManager(opts ...Option) *Manager {
	return NewManager(zerolog.Nop(), opts...)
}

func event(seq int64, at time.Time, p ir.Payload) ir.SessionEvent {
	return ir.SessionEvent{SessionID: "s1", SequenceNumber: seq, Timestamp: at, Payload: p}
}

func initEvent() ir.SessionEvent {
	ev := event(1, t0, ir.Init{})
	ev.Context = &ir.ContextIdentifiers{InitiatingIdentity: "alice", InitiatedIdentity: "bob"}
	return ev
}

func dataEvent(seq int64, body string) ir.SessionEvent {
	return event(seq, t0, ir.Data{Body: []byte(body)})
}

func ackOf(seqs ...int64) ir.SessionEvent {
	return event(0, t0, ir.Ack{SequenceNumbers: seqs})
}

// receive applies ev and fails the test on a processing error.
func receive(t *testing.T, m *Manager, state *ir.SessionState, ev ir.SessionEvent) Result {
	t.Helper()
	res, err := m.ProcessMessageReceived(ev.SessionID, state, ev, ev.Timestamp)
	require.NoError(t, err)
	return res
}

// send numbers ev and fails the test on a processing error.
func send(t *testing.T, m *Manager, state *ir.SessionState, ev ir.SessionEvent) Result {
	t.Helper()
	res, err := m.ProcessMessageToSend(ev.SessionID, state, ev, t0)
	require.NoError(t, err)
	return res
}

// drain consumes every deliverable event and returns their sequence numbers.
func drain(m *Manager, state *ir.SessionState) (*ir.SessionState, []int64) {
	var seqs []int64
	for {
		next := m.GetNextReceivedEvent(state)
		if next == nil {
			return state, seqs
		}
		seqs = append(seqs, next.SequenceNumber)
		state = m.AcknowledgeReceivedEvent(state, next.SequenceNumber)
	}
}

func requireSameState(t *testing.T, want, got *ir.SessionState) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

func ackNumbers(t *testing.T, ev *ir.SessionEvent) []int64 {
	t.Helper()
	require.NotNil(t, ev, "expected an outbound ack")
	ack, ok := ev.Payload.(ir.Ack)
	require.True(t, ok, "expected Ack, got %s", ev.Kind())
	return ack.SequenceNumbers
}

func errorReason(t *testing.T, ev *ir.SessionEvent) string {
	t.Helper()
	require.NotNil(t, ev, "expected an outbound error")
	e, ok := ev.Payload.(ir.Error)
	require.True(t, ok, "expected Error, got %s", ev.Kind())
	return e.Reason
}
