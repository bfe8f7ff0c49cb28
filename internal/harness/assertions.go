package harness

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/roach88/flowsess/internal/host"
)

// checkExpectations evaluates the scenario's expectations, then replays
// every node's input log and requires it to reproduce the stored states.
func (h *Harness) checkExpectations(ctx context.Context) error {
	for i, e := range h.scenario.Expect {
		id := h.aliases[e.Session]
		state, err := h.load(ctx, e.Node, id)
		if err != nil {
			return err
		}
		prefix := fmt.Sprintf("expect[%d] %s %s", i, e.Node, id)

		if e.Status != "" {
			if got := statusOf(state); got != e.Status {
				h.result.AddError(fmt.Sprintf("%s: status %s, want %s", prefix, got, e.Status))
			}
		}
		if e.Consumed != nil {
			got := h.consumed[e.Node+"/"+id]
			if !slices.Equal(got, e.Consumed) {
				h.result.AddError(fmt.Sprintf("%s: consumed %q, want %q", prefix, got, e.Consumed))
			}
		}
		if e.Reason == "" && e.SendBuffer == nil && e.ReceiveBuffer == nil {
			continue
		}
		if state == nil {
			h.result.AddError(fmt.Sprintf("%s: no stored state", prefix))
			continue
		}
		if e.Reason != "" && state.ErrorReason != e.Reason {
			h.result.AddError(fmt.Sprintf("%s: reason %q, want %q", prefix, state.ErrorReason, e.Reason))
		}
		if e.SendBuffer != nil {
			if got := len(state.SendEventsState.UndeliveredMessages); got != *e.SendBuffer {
				h.result.AddError(fmt.Sprintf("%s: send buffer %d, want %d", prefix, got, *e.SendBuffer))
			}
		}
		if e.ReceiveBuffer != nil {
			if got := len(state.ReceivedEventsState.UndeliveredMessages); got != *e.ReceiveBuffer {
				h.result.AddError(fmt.Sprintf("%s: receive buffer %d, want %d", prefix, got, *e.ReceiveBuffer))
			}
		}
	}

	for _, node := range h.scenario.Nodes {
		cfg := nodeConfig(node, h.scenario.Config)
		report, err := host.Replay(ctx, h.stores[node], cfg.Engine, zerolog.Nop())
		if err != nil {
			return fmt.Errorf("replay %s: %w", node, err)
		}
		for _, m := range report.Mismatches {
			h.result.AddError(fmt.Sprintf("replay %s %s diverged:\n%s", node, m.SessionID, m.Diff))
		}
	}
	return nil
}
