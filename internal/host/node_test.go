package host

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/engine"
	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/store"
	"github.com/roach88/flowsess/internal/testutil"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(metric))
	return metric.GetCounter().GetValue()
}

func TestNewNode_ValidatesConfig(t *testing.T) {
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	defer b.Close()

	_, err := NewNode(Config{}, store.NewMemoryStore(), b)
	assert.Error(t, err)

	cfg := DefaultConfig("alice")
	cfg.OutboxBatch = 0
	_, err = NewNode(cfg, store.NewMemoryStore(), b)
	assert.Error(t, err)

	n, err := NewNode(DefaultConfig("alice"), store.NewMemoryStore(), b, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, "alice", n.Name())
	assert.NotNil(t, n.Metrics())
}

func TestNode_FullCloseHandshake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{Props: map[string]string{"flow": "greeter"}})
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.Equal(t, ir.StatusCreated, f.state(t, f.alice, id).Status)

	f.settle(t)
	bobState := f.state(t, f.bob, id)
	require.NotNil(t, bobState)
	assert.Equal(t, ir.RoleResponder, bobState.Role)
	assert.Equal(t, ir.StatusConfirmed, bobState.Status)
	assert.Equal(t, ir.ContextIdentifiers{InitiatingIdentity: "alice", InitiatedIdentity: "bob"}, bobState.Counterparty)
	assert.Equal(t, ir.StatusConfirmed, f.state(t, f.alice, id).Status)

	require.NoError(t, f.alice.Send(ctx, id, []byte("hello")))
	f.settle(t)

	var bobFlow, aliceFlow recorder
	n, err := f.bob.Consume(ctx, id, bobFlow.flow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, f.alice.Close(ctx, id))
	assert.Equal(t, ir.StatusClosing, f.state(t, f.alice, id).Status)
	f.settle(t)
	assert.Equal(t, ir.StatusClosing, f.state(t, f.bob, id).Status)

	n, err = f.bob.Consume(ctx, id, bobFlow.flow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.settle(t)
	assert.Equal(t, ir.StatusWaitForFinalAck, f.state(t, f.alice, id).Status)

	require.NoError(t, f.bob.Close(ctx, id))
	f.settle(t)

	n, err = f.alice.Consume(ctx, id, aliceFlow.flow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.settle(t)

	aliceState := f.state(t, f.alice, id)
	bobState = f.state(t, f.bob, id)
	assert.Equal(t, ir.StatusClosed, aliceState.Status)
	assert.Equal(t, ir.StatusClosed, bobState.Status)
	assert.True(t, aliceState.Deletable())
	assert.True(t, bobState.Deletable())

	assert.Equal(t, []ir.Kind{ir.KindInit, ir.KindData, ir.KindClose}, bobFlow.kinds())
	assert.Equal(t, []string{"hello"}, bobFlow.bodies())
	assert.Equal(t, []ir.Kind{ir.KindClose}, aliceFlow.kinds())

	assert.Equal(t, 1.0, counterValue(t, f.metrics.SessionsTerminated, "alice", "CLOSED"))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.SessionsTerminated, "bob", "CLOSED"))

	for _, backend := range []store.Backend{f.aliceStore, f.bobStore} {
		report, err := Replay(ctx, backend, engine.DefaultConfig(), zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, report.OK(), "replay mismatches: %+v", report.Mismatches)
		assert.Equal(t, []string{id}, report.Sessions)
	}
}

func TestNode_TickDeletesAfterLinger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := closedSession(t, f)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.alice.Tick(ctx))
	assert.NotNil(t, f.state(t, f.alice, id), "deleted before linger elapsed")

	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.alice.Tick(ctx))
	require.NoError(t, f.bob.Tick(ctx))
	assert.Nil(t, f.state(t, f.alice, id))
	assert.Nil(t, f.state(t, f.bob, id))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.SessionsDeleted, "alice"))

	report, err := Replay(ctx, f.aliceStore, engine.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestNode_DropsRedeliveryAfterDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := closedSession(t, f)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.alice.Tick(ctx))
	require.Nil(t, f.state(t, f.alice, id))

	for _, ev := range []ir.SessionEvent{
		{SessionID: id, SequenceNumber: 2, Timestamp: f.clock.Now(), Payload: ir.Data{Body: []byte("late")}},
		{SessionID: id, SequenceNumber: 3, Timestamp: f.clock.Now(), Payload: ir.Close{}},
	} {
		data, err := encodeEnvelope("bob", ev)
		require.NoError(t, err)
		_, err = f.bus.Publish("alice", id, data)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.deliver(t, f.alice))

	assert.Nil(t, f.state(t, f.alice, id), "stale event recreated a deleted session")
	ids, err := f.aliceStore.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 1.0, counterValue(t, f.metrics.EventsReceived, "alice", "data", "dropped"))

	report, err := Replay(ctx, f.aliceStore, engine.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, report.OK())

	f.clock.Advance(engine.DefaultInactivityTimeout)
	require.NoError(t, f.alice.Tick(ctx))
	assert.False(t, f.alice.wasDeleted(id))
}

// closedSession runs a session through a full handshake and returns its id.
func closedSession(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()
	var flow recorder

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	f.settle(t)
	require.NoError(t, f.alice.Close(ctx, id))
	f.settle(t)
	_, err = f.bob.Consume(ctx, id, flow.flow)
	require.NoError(t, err)
	require.NoError(t, f.bob.Close(ctx, id))
	f.settle(t)
	_, err = f.alice.Consume(ctx, id, flow.flow)
	require.NoError(t, err)
	f.settle(t)

	require.Equal(t, ir.StatusClosed, f.state(t, f.alice, id).Status)
	require.Equal(t, ir.StatusClosed, f.state(t, f.bob, id).Status)
	return id
}

func TestNode_ResendAfterLoss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.lose(f.bob))

	require.NoError(t, f.alice.Tick(ctx))
	assert.Equal(t, 0, f.bus.Lag("bob"), "resent before the window elapsed")

	f.clock.Advance(6 * time.Second)
	require.NoError(t, f.alice.Tick(ctx))
	assert.Equal(t, 1, f.bus.Lag("bob"))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.Resends, "alice"))

	f.settle(t)
	assert.Equal(t, ir.StatusConfirmed, f.state(t, f.alice, id).Status)
	assert.Equal(t, ir.StatusConfirmed, f.state(t, f.bob, id).Status)
}

func TestNode_DuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)

	msgs := f.bus.Poll("bob", 0)
	require.Len(t, msgs, 1)
	require.NoError(t, f.bob.HandleInbound(ctx, msgs[0]))
	require.NoError(t, f.bus.Commit(msgs[0]))
	_, err = f.bus.Duplicate(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, f.deliver(t, f.bob))

	state := f.state(t, f.bob, id)
	assert.Len(t, state.ReceivedEventsState.UndeliveredMessages, 1)
	assert.Equal(t, 1.0, counterValue(t, f.metrics.EventsReceived, "bob", "init", "applied"))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.EventsReceived, "bob", "init", "duplicate"))
}

func TestNode_CloseDeferredUntilAcked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	require.NoError(t, f.alice.Send(ctx, id, []byte("x")))

	require.NoError(t, f.alice.Close(ctx, id))
	state := f.state(t, f.alice, id)
	assert.Equal(t, ir.StatusCreated, state.Status)
	assert.Zero(t, state.SendEventsState.CloseSequenceNumber)
	assert.True(t, f.alice.closeRequested(id))

	f.settle(t)
	require.NoError(t, f.alice.Tick(ctx))

	state = f.state(t, f.alice, id)
	assert.Equal(t, ir.StatusClosing, state.Status)
	assert.Equal(t, int64(3), state.SendEventsState.CloseSequenceNumber)
	assert.False(t, f.alice.closeRequested(id))
}

func TestNode_AbortFailsBothSides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	f.settle(t)

	require.NoError(t, f.alice.Abort(ctx, id, ""))
	f.settle(t)

	for _, n := range []*Node{f.alice, f.bob} {
		state := f.state(t, n, id)
		assert.Equal(t, ir.StatusError, state.Status, n.Name())
		assert.Equal(t, engine.ReasonLocalAbort, state.ErrorReason, n.Name())
		assert.Equal(t, 1.0, counterValue(t, f.metrics.SessionsTerminated, n.Name(), "ERROR"))
	}

	err = f.alice.Send(ctx, id, []byte("late"))
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.Contains(t, err.Error(), engine.ReasonLocalAbort)

	assert.NoError(t, f.alice.Abort(ctx, id, "again"), "abort is idempotent")
}

func TestNode_UnknownSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(t, f.alice.Send(ctx, "nope", []byte("x")), ErrUnknownSession)
	assert.ErrorIs(t, f.alice.Close(ctx, "nope"), ErrUnknownSession)

	n, err := f.alice.Consume(ctx, "nope", (&recorder{}).flow)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.alice.Open(ctx, "", ir.Init{})
	assert.Error(t, err)
}

func TestNode_InactivityTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) {
		c.Engine.InactivityTimeout = time.Minute
	})

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	f.settle(t)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.bob.Tick(ctx))
	f.settle(t)

	for _, n := range []*Node{f.alice, f.bob} {
		state := f.state(t, n, id)
		assert.Equal(t, ir.StatusError, state.Status, n.Name())
		assert.Equal(t, engine.ReasonTimedOut, state.ErrorReason, n.Name())
	}
}

func TestNode_HeartbeatWhenIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	f.settle(t)

	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.alice.Tick(ctx))

	msgs := f.bus.Poll("bob", 0)
	require.Len(t, msgs, 1)
	env, err := decodeEnvelope(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, ir.KindHeartbeat, env.Event.Kind())
	assert.Equal(t, id, env.Event.SessionID)
	assert.Equal(t, "alice", env.From)
}

func TestNode_UndecodableMessageSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.bus.Publish("bob", "s1", []byte("not json"))
	require.NoError(t, err)
	msgs := f.bus.Poll("bob", 0)
	require.Len(t, msgs, 1)

	require.NoError(t, f.bob.HandleInbound(ctx, msgs[0]))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.ProcessingErrors, "bob", "DECODE"))
}

func TestNode_KeyMismatchIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	data, err := encodeEnvelope("alice", ir.SessionEvent{
		SessionID:      "s9",
		SequenceNumber: 1,
		Timestamp:      testutil.Epoch,
		Payload:        ir.Init{},
	})
	require.NoError(t, err)
	_, err = f.bus.Publish("bob", "s1", data)
	require.NoError(t, err)

	msgs := f.bus.Poll("bob", 0)
	err = f.bob.HandleInbound(ctx, msgs[0])
	require.Error(t, err)
	assert.True(t, engine.IsKeyMismatch(err))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.ProcessingErrors, "bob", "KEY_MISMATCH"))
	assert.Nil(t, f.state(t, f.bob, "s1"))
}

func TestNode_FlowErrorLeavesEventUnconsumed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	f.settle(t)

	busy := errors.New("busy")
	n, err := f.bob.Consume(ctx, id, func(context.Context, string, ir.SessionEvent) error { return busy })
	assert.ErrorIs(t, err, busy)
	assert.Zero(t, n)
	assert.Len(t, f.state(t, f.bob, id).ReceivedEventsState.UndeliveredMessages, 1)

	var flow recorder
	n, err = f.bob.ConsumeAll(ctx, flow.flow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []ir.Kind{ir.KindInit}, flow.kinds())
}

func TestNode_OutboxSurvivesPublishFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.bus.Close()

	_, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err, "the commit succeeds even when publishing fails")

	pending, err := f.aliceStore.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].Destination)

	_, err = f.alice.Flush(ctx)
	assert.ErrorIs(t, err, bus.ErrClosed)

	pending, err = f.aliceStore.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestNode_FlushBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.OutboxBatch = 2 })

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	f.bus.Close()
	for i := 0; i < 4; i++ {
		require.NoError(t, f.alice.Send(ctx, id, []byte{byte('a' + i)}))
	}

	b := bus.New(bus.WithLogger(zerolog.Nop()))
	defer b.Close()
	f.alice.bus = b
	n, err := f.alice.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, b.Lag("bob"))
}

func TestNode_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, func(c *Config) { c.TickInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var replies recorder
	echo := func(ctx context.Context, id string, ev ir.SessionEvent) error {
		if d, ok := ev.Payload.(ir.Data); ok {
			return f.bob.Send(ctx, id, append([]byte("re:"), d.Body...))
		}
		return nil
	}

	errs := make(chan error, 2)
	go func() { errs <- f.alice.Run(ctx, replies.flow) }()
	go func() { errs <- f.bob.Run(ctx, echo) }()

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	require.NoError(t, f.alice.Send(ctx, id, []byte("ping")))

	require.Eventually(t, func() bool {
		return slices.Equal(replies.bodies(), []string{"re:ping"})
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not stop after cancel")
		}
	}
}
