package host

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsess/internal/engine"
	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/store"
)

// logless hides the event log of the wrapped backend.
type logless struct {
	store.Backend
}

func TestReplay_MatchesLiveRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{Body: []byte("hi")})
	require.NoError(t, err)
	f.settle(t)
	require.NoError(t, f.alice.Send(ctx, id, []byte("one")))
	require.NoError(t, f.alice.Send(ctx, id, []byte("two")))
	f.lose(f.bob)
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.alice.Tick(ctx))
	f.settle(t)

	var flow recorder
	_, err = f.bob.ConsumeAll(ctx, flow.flow)
	require.NoError(t, err)

	for name, backend := range map[string]store.Backend{"alice": f.aliceStore, "bob": f.bobStore} {
		report, err := Replay(ctx, backend, engine.DefaultConfig(), zerolog.Nop())
		require.NoError(t, err, name)
		assert.True(t, report.OK(), "%s: %+v", name, report.Mismatches)
		assert.Positive(t, report.Entries, name)
	}
}

func TestReplay_SameInstantRepeatedSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	require.NoError(t, f.alice.Send(ctx, id, []byte("x")))
	require.NoError(t, f.alice.Send(ctx, id, []byte("x")))

	state := f.state(t, f.alice, id)
	require.Len(t, state.SendEventsState.UndeliveredMessages, 3)

	report, err := Replay(ctx, f.aliceStore, engine.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Mismatches)
	assert.Equal(t, 3, report.Entries)

	f.settle(t)
	for name, backend := range map[string]store.Backend{"alice": f.aliceStore, "bob": f.bobStore} {
		report, err := Replay(ctx, backend, engine.DefaultConfig(), zerolog.Nop())
		require.NoError(t, err, name)
		assert.True(t, report.OK(), "%s: %+v", name, report.Mismatches)
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.alice.Open(ctx, "bob", ir.Init{})
	require.NoError(t, err)
	f.settle(t)

	tampered := f.state(t, f.alice, id).Clone()
	tampered.Status = ir.StatusClosed
	require.NoError(t, f.aliceStore.Commit(ctx, store.Commit{SessionID: id, State: tampered}))

	report, err := Replay(ctx, f.aliceStore, engine.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, id, report.Mismatches[0].SessionID)
	assert.Contains(t, report.Mismatches[0].Diff, "CLOSED")
}

func TestReplay_EmptyLog(t *testing.T) {
	report, err := Replay(context.Background(), store.NewMemoryStore(), engine.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Entries)
	assert.Empty(t, report.Sessions)
}

func TestReplay_RequiresEventLog(t *testing.T) {
	_, err := Replay(context.Background(), logless{store.NewMemoryStore()}, engine.DefaultConfig(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoEventLog)
}
