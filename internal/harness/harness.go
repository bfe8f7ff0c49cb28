package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/host"
	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/metrics"
	"github.com/roach88/flowsess/internal/store"
	"github.com/roach88/flowsess/internal/testutil"
)

// maxSettleRounds bounds settle so a resend loop cannot spin forever.
const maxSettleRounds = 100

// Harness holds the live objects of one scenario run.
type Harness struct {
	scenario *Scenario
	clock    *testutil.ManualClock
	bus      *bus.Bus
	nodes    map[string]*host.Node
	stores   map[string]*store.MemoryStore

	aliases  map[string]string // alias -> session id
	sessions []string          // session ids in open order
	consumed map[string][]string
	statuses map[string]string
	result   *Result
}

// Run executes a scenario from a fresh state and returns its trace and
// expectation results. The error is non-nil only when the scenario could
// not be executed at all.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.bus.Close()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		h.note("[%s] %s", h.elapsed(), h.describe(step))
		if err := h.apply(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
		if err := h.recordTransitions(ctx); err != nil {
			return nil, err
		}
	}
	if err := h.recordFinal(ctx); err != nil {
		return nil, err
	}
	if err := h.checkExpectations(ctx); err != nil {
		return nil, err
	}
	return h.result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	h := &Harness{
		scenario: s,
		clock:    testutil.NewManualClock(testutil.Epoch),
		bus:      bus.New(bus.WithPartitions(1), bus.WithLogger(zerolog.Nop())),
		nodes:    make(map[string]*host.Node, len(s.Nodes)),
		stores:   make(map[string]*store.MemoryStore, len(s.Nodes)),
		aliases:  make(map[string]string),
		consumed: make(map[string][]string),
		statuses: make(map[string]string),
		result:   NewResult(),
	}

	m := metrics.New(nil)
	for _, name := range s.Nodes {
		backend := store.NewMemoryStore()
		n, err := host.NewNode(nodeConfig(name, s.Config), backend, h.bus,
			host.WithClock(h.clock),
			host.WithIDGenerator(testutil.NewSequentialIDGenerator(name+"-")),
			host.WithMetrics(m),
			host.WithLogger(zerolog.Nop()),
		)
		if err != nil {
			h.bus.Close()
			return nil, fmt.Errorf("node %s: %w", name, err)
		}
		h.nodes[name] = n
		h.stores[name] = backend
	}
	return h, nil
}

func nodeConfig(name string, t *Tuning) host.Config {
	cfg := host.DefaultConfig(name)
	if t == nil {
		return cfg
	}
	if t.InactivityTimeout != nil {
		cfg.Engine.InactivityTimeout = time.Duration(*t.InactivityTimeout)
	}
	if t.ResendWindow != nil {
		cfg.Engine.ResendWindow = time.Duration(*t.ResendWindow)
	}
	if t.HeartbeatInterval != nil {
		cfg.Engine.HeartbeatInterval = time.Duration(*t.HeartbeatInterval)
	}
	if t.Linger != nil {
		cfg.Linger = time.Duration(*t.Linger)
	}
	if t.MaxBufferedEvents != nil {
		cfg.Engine.MaxBufferedEvents = *t.MaxBufferedEvents
	}
	return cfg
}

func (h *Harness) note(format string, args ...any) {
	h.result.Trace = append(h.result.Trace, fmt.Sprintf(format, args...))
}

func (h *Harness) elapsed() time.Duration {
	return h.clock.Now().Sub(testutil.Epoch)
}

func (h *Harness) describe(step Step) string {
	id := h.aliases[step.Session]
	switch step.Op {
	case OpOpen:
		return fmt.Sprintf("open %s -> %s", step.Node, step.Peer)
	case OpSend:
		return fmt.Sprintf("send %s %s %q", step.Node, id, step.Body)
	case OpClose:
		return fmt.Sprintf("close %s %s", step.Node, id)
	case OpAbort:
		if step.Reason == "" {
			return fmt.Sprintf("abort %s %s", step.Node, id)
		}
		return fmt.Sprintf("abort %s %s %q", step.Node, id, step.Reason)
	case OpDeliver:
		parts := []string{"deliver", step.Node}
		if step.Order == OrderReverse {
			parts = append(parts, OrderReverse)
		}
		if step.NoCommit {
			parts = append(parts, "no-commit")
		}
		return strings.Join(parts, " ")
	case OpConsume:
		if id != "" {
			return fmt.Sprintf("consume %s %s", step.Node, id)
		}
		return fmt.Sprintf("consume %s", step.Node)
	case OpTick:
		if step.Node != "" {
			return fmt.Sprintf("tick %s", step.Node)
		}
		return "tick"
	case OpAdvance:
		return fmt.Sprintf("advance %s", time.Duration(step.By))
	default:
		if step.Node != "" {
			return fmt.Sprintf("%s %s", step.Op, step.Node)
		}
		return step.Op
	}
}

func (h *Harness) apply(ctx context.Context, step Step) error {
	n := h.nodes[step.Node]
	id := h.aliases[step.Session]

	switch step.Op {
	case OpOpen:
		init := ir.Init{}
		if step.Body != "" {
			init.Body = []byte(step.Body)
		}
		opened, err := n.Open(ctx, step.Peer, init)
		if err != nil {
			return err
		}
		h.aliases[step.Session] = opened
		h.sessions = append(h.sessions, opened)
		h.note("  session %s = %s", step.Session, opened)

	case OpSend:
		h.noteErr(n.Send(ctx, id, []byte(step.Body)))
	case OpClose:
		h.noteErr(n.Close(ctx, id))
	case OpAbort:
		h.noteErr(n.Abort(ctx, id, step.Reason))

	case OpDeliver:
		if h.deliver(ctx, n, step) == 0 {
			h.note("  (nothing to deliver)")
		}
	case OpDrop:
		msgs := h.bus.Poll(step.Node, step.Count)
		for _, m := range msgs {
			h.note("  lost %s", h.message(m))
		}
		h.commit(msgs)
	case OpDuplicate:
		msgs := h.bus.Poll(step.Node, step.Count)
		for _, m := range msgs {
			if _, err := h.bus.Duplicate(m); err != nil {
				return err
			}
			h.note("  duplicated %s", h.message(m))
		}
		h.bus.Rewind(step.Node)
	case OpRewind:
		h.note("  %d to redeliver", h.bus.Rewind(step.Node))

	case OpConsume:
		flow := h.flow(step.Node)
		var err error
		if id != "" {
			_, err = n.Consume(ctx, id, flow)
		} else {
			_, err = n.ConsumeAll(ctx, flow)
		}
		h.noteErr(err)

	case OpTick:
		for _, name := range h.scenario.Nodes {
			if step.Node == "" || step.Node == name {
				h.noteErr(h.nodes[name].Tick(ctx))
			}
		}
	case OpAdvance:
		h.clock.Advance(time.Duration(step.By))
	case OpSettle:
		return h.settle(ctx)
	}
	return nil
}

func (h *Harness) noteErr(err error) {
	if err != nil {
		h.note("  error: %v", err)
	}
}

// deliver hands the waiting messages of n's topic to n.
func (h *Harness) deliver(ctx context.Context, n *host.Node, step Step) int {
	msgs := h.bus.Poll(n.Name(), step.Count)
	ordered := slices.Clone(msgs)
	if step.Order == OrderReverse {
		slices.Reverse(ordered)
	}
	for _, m := range ordered {
		h.note("  %s", h.message(m))
		h.noteErr(n.HandleInbound(ctx, m))
	}
	if !step.NoCommit {
		h.commit(msgs)
	}
	return len(msgs)
}

func (h *Harness) commit(msgs []bus.Message) {
	for _, m := range msgs {
		// Offsets come from Poll on an open bus, so Commit cannot fail.
		_ = h.bus.Commit(m)
	}
}

// settle delivers in node order, round after round, until no messages move.
func (h *Harness) settle(ctx context.Context) error {
	for round := 0; round < maxSettleRounds; round++ {
		moved := 0
		for _, name := range h.scenario.Nodes {
			moved += h.deliver(ctx, h.nodes[name], Step{})
		}
		if moved == 0 {
			return nil
		}
	}
	return fmt.Errorf("bus did not settle after %d rounds", maxSettleRounds)
}

func (h *Harness) message(m bus.Message) string {
	from, ev, err := host.DecodeMessage(m)
	if err != nil {
		return fmt.Sprintf("? -> %s: undecodable", m.Topic)
	}
	return fmt.Sprintf("%s -> %s: %s", from, m.Topic, ev)
}

func (h *Harness) flow(node string) host.FlowFunc {
	return func(_ context.Context, sessionID string, ev ir.SessionEvent) error {
		h.note("  %s consumed %s", node, ev)
		if d, ok := ev.Payload.(ir.Data); ok {
			key := node + "/" + sessionID
			h.consumed[key] = append(h.consumed[key], string(d.Body))
		}
		return nil
	}
}

func (h *Harness) load(ctx context.Context, node, sessionID string) (*ir.SessionState, error) {
	state, err := h.nodes[node].State(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load %s on %s: %w", sessionID, node, err)
	}
	return state, nil
}

func statusOf(state *ir.SessionState) string {
	if state == nil {
		return StatusAbsent
	}
	return string(state.Status)
}

// recordTransitions traces every status that changed during the last step.
func (h *Harness) recordTransitions(ctx context.Context) error {
	for _, node := range h.scenario.Nodes {
		for _, id := range h.sessions {
			state, err := h.load(ctx, node, id)
			if err != nil {
				return err
			}
			key := node + "/" + id
			prev, ok := h.statuses[key]
			if !ok {
				prev = StatusAbsent
			}
			cur := statusOf(state)
			if cur != prev {
				h.note("  %s %s: %s -> %s", node, id, prev, cur)
			}
			h.statuses[key] = cur
		}
	}
	return nil
}

func (h *Harness) recordFinal(ctx context.Context) error {
	for _, node := range h.scenario.Nodes {
		for _, id := range h.sessions {
			state, err := h.load(ctx, node, id)
			if err != nil {
				return err
			}
			if state == nil {
				h.note("final %s %s: %s", node, id, StatusAbsent)
				continue
			}
			line := fmt.Sprintf("final %s %s: %s send=%d recv=%d", node, id, state.Status,
				len(state.SendEventsState.UndeliveredMessages),
				len(state.ReceivedEventsState.UndeliveredMessages))
			if state.ErrorReason != "" {
				line += fmt.Sprintf(" reason=%q", state.ErrorReason)
			}
			h.note("%s", line)
		}
	}
	return nil
}
