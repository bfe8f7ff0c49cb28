package host

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/metrics"
	"github.com/roach88/flowsess/internal/store"
	"github.com/roach88/flowsess/internal/testutil"
)

type fixture struct {
	clock      *testutil.ManualClock
	bus        *bus.Bus
	metrics    *metrics.Metrics
	alice      *Node
	bob        *Node
	aliceStore *store.MemoryStore
	bobStore   *store.MemoryStore
}

// newFixture builds two nodes, alice and bob, sharing a bus and a clock.
func newFixture(t *testing.T, configure ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		clock:      testutil.NewManualClock(testutil.Epoch),
		bus:        bus.New(bus.WithLogger(zerolog.Nop())),
		metrics:    metrics.New(nil),
		aliceStore: store.NewMemoryStore(),
		bobStore:   store.NewMemoryStore(),
	}
	f.alice = f.newNode(t, "alice", f.aliceStore, configure...)
	f.bob = f.newNode(t, "bob", f.bobStore, configure...)
	t.Cleanup(f.bus.Close)
	return f
}

func (f *fixture) newNode(t *testing.T, name string, backend store.Backend, configure ...func(*Config)) *Node {
	t.Helper()
	cfg := DefaultConfig(name)
	for _, c := range configure {
		c(&cfg)
	}
	n, err := NewNode(cfg, backend, f.bus,
		WithClock(f.clock),
		WithIDGenerator(testutil.NewSequentialIDGenerator("s")),
		WithMetrics(f.metrics),
		WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	return n
}

// deliver hands every message waiting on n's topic to n and returns how many.
func (f *fixture) deliver(t *testing.T, n *Node) int {
	t.Helper()
	msgs := f.bus.Poll(n.Name(), 0)
	for _, m := range msgs {
		require.NoError(t, n.HandleInbound(context.Background(), m))
		require.NoError(t, f.bus.Commit(m))
	}
	return len(msgs)
}

// lose discards every message waiting on n's topic.
func (f *fixture) lose(n *Node) int {
	msgs := f.bus.Poll(n.Name(), 0)
	for _, m := range msgs {
		f.bus.Commit(m)
	}
	return len(msgs)
}

// settle delivers in both directions until the bus is quiet.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f.deliver(t, f.alice)+f.deliver(t, f.bob) == 0 {
			return
		}
	}
	t.Fatal("bus did not settle")
}

func (f *fixture) state(t *testing.T, n *Node, id string) *ir.SessionState {
	t.Helper()
	s, err := n.State(context.Background(), id)
	require.NoError(t, err)
	return s
}

// recorder is a FlowFunc that remembers what it consumed.
type recorder struct {
	mu     sync.Mutex
	events []ir.SessionEvent
}

func (r *recorder) flow(_ context.Context, _ string, ev ir.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []ir.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ir.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if d, ok := ev.Payload.(ir.Data); ok {
			out = append(out, string(d.Body))
		}
	}
	return out
}
