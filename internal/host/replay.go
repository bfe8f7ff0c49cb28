package host

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"

	"github.com/roach88/flowsess/internal/engine"
	"github.com/roach88/flowsess/internal/ir"
	"github.com/roach88/flowsess/internal/store"
)

// Mismatch is a session whose replayed state differs from the stored one.
type Mismatch struct {
	SessionID string
	// Diff is a cmp.Diff of stored (-) against replayed (+).
	Diff string
}

// ReplayReport summarizes a replay run.
type ReplayReport struct {
	Entries    int
	Sessions   []string
	Mismatches []Mismatch
}

// OK reports whether every session replayed to its stored state.
func (r *ReplayReport) OK() bool { return len(r.Mismatches) == 0 }

// Replay re-applies the input log of backend to empty state with a fresh
// engine built from cfg, and compares the result with the stored states.
//
// Engine transitions are pure, so any difference means the log and the
// stored state disagree: a lost commit, a manual edit, or an engine change
// that altered semantics.
func Replay(ctx context.Context, backend store.Backend, cfg engine.Config, logger zerolog.Logger) (*ReplayReport, error) {
	eventLog, ok := backend.(store.EventLog)
	if !ok {
		return nil, ErrNoEventLog
	}
	entries, err := eventLog.ReadEventLog(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	manager := engine.NewManager(logger, engine.WithConfig(cfg))
	planner := engine.NewPlanner(logger, engine.WithConfig(cfg))

	states := make(map[string]*ir.SessionState)
	for _, e := range entries {
		next, err := applyEntry(manager, planner, states[e.SessionID], e)
		if err != nil {
			return nil, fmt.Errorf("replay entry %d: %w", e.Seq, err)
		}
		states[e.SessionID] = next
	}

	stored, err := backend.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	ids := slices.Clone(stored)
	for id := range states {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	report := &ReplayReport{Entries: len(entries), Sessions: ids}
	for _, id := range ids {
		want, err := backend.LoadState(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		if diff := cmp.Diff(want, states[id], cmpopts.EquateEmpty()); diff != "" {
			report.Mismatches = append(report.Mismatches, Mismatch{SessionID: id, Diff: diff})
		}
	}
	return report, nil
}

func applyEntry(manager *engine.Manager, planner *engine.Planner, current *ir.SessionState, e store.LogEntry) (*ir.SessionState, error) {
	switch e.Op {
	case store.OpReceive, store.OpSend:
		if e.Event == nil {
			return nil, fmt.Errorf("%s entry without event", e.Op)
		}
		var (
			res engine.Result
			err error
		)
		if e.Op == store.OpReceive {
			res, err = manager.ProcessMessageReceived(e.SessionID, current, *e.Event, e.At)
		} else {
			res, err = manager.ProcessMessageToSend(e.SessionID, current, *e.Event, e.At)
		}
		if err != nil {
			return nil, err
		}
		return res.State, nil
	case store.OpConsume:
		return manager.AcknowledgeReceivedEvent(current, e.Consumed), nil
	case store.OpTick:
		next, _ := planner.MessagesToSend(current, e.At)
		return next, nil
	case store.OpDelete:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown op %q", e.Op)
	}
}
