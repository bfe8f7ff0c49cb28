package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsess/internal/ir"
)

// outboxScanLimit bounds how many pending records inspect counts.
const outboxScanLimit = 10000

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	Role          ir.Role   `json:"role"`
	Status        ir.Status `json:"status"`
	Peer          string    `json:"peer"`
	SendBuffer    int       `json:"send_buffer"`
	ReceiveBuffer int       `json:"receive_buffer"`
	ErrorReason   string    `json:"error_reason,omitempty"`
}

// InspectResult is the output of inspect without a session argument.
type InspectResult struct {
	Sessions      []SessionSummary `json:"sessions"`
	PendingOutbox int              `json:"pending_outbox"`
}

// WriteText renders the listing as a table.
func (r InspectResult) WriteText(w io.Writer) error {
	if len(r.Sessions) == 0 {
		fmt.Fprintln(w, "No sessions found in store.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tROLE\tSTATUS\tPEER\tSEND\tRECV")
		for _, s := range r.Sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
				s.SessionID, s.Role, s.Status, s.Peer, s.SendBuffer, s.ReceiveBuffer)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "pending outbox records: %d\n", r.PendingOutbox)
	return err
}

// SessionDetail is the output of inspect for one session.
type SessionDetail struct {
	State *ir.SessionState `json:"state"`
}

// WriteText renders the state and both buffers.
func (d SessionDetail) WriteText(w io.Writer) error {
	s := d.State
	fmt.Fprintf(w, "session:   %s\n", s.SessionID)
	fmt.Fprintf(w, "role:      %s\n", s.Role)
	fmt.Fprintf(w, "status:    %s\n", s.Status)
	fmt.Fprintf(w, "peer:      %s\n", peer(s))
	if s.ErrorReason != "" {
		fmt.Fprintf(w, "reason:    %s\n", s.ErrorReason)
	}
	fmt.Fprintf(w, "started:   %s\n", s.StartTime.UTC().Format(time.RFC3339))
	writeDirection(w, "send", s.SendEventsState)
	writeDirection(w, "receive", s.ReceivedEventsState)
	if len(s.PendingAcks) > 0 {
		fmt.Fprintf(w, "owed acks: %v\n", s.PendingAcks)
	}
	return nil
}

func writeDirection(w io.Writer, name string, d ir.DirectionalEventState) {
	fmt.Fprintf(w, "%s: last processed %d", name, d.LastProcessedSequenceNumber)
	if d.CloseSequenceNumber != 0 {
		fmt.Fprintf(w, ", close at %d", d.CloseSequenceNumber)
	}
	fmt.Fprintln(w)
	for _, ev := range d.UndeliveredMessages {
		fmt.Fprintf(w, "  %s\n", ev)
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [session-id]",
		Short: "Show the sessions persisted in a node store",
		Long: `Without an argument, list every session in a SQLite node store with its
status and buffer sizes. With a session id, show that session's state
including the events still buffered in each direction.

Example:
  flowsess inspect --db ./data/alice.db
  flowsess inspect --db ./data/alice.db 0192f0c4-...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			return runInspect(opts, sessionID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite node store (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *InspectOptions, sessionID string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openExisting(opts.Database)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	if sessionID != "" {
		state, err := st.LoadState(ctx, sessionID)
		if err != nil {
			_ = f.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to load session", err)
		}
		if state == nil {
			_ = f.Error(ErrCodeNotFound, fmt.Sprintf("session %s not found", sessionID), nil)
			return NewExitError(ExitFailure, "session not found")
		}
		return f.Success(SessionDetail{State: state})
	}

	ids, err := st.ListSessions(ctx)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}
	result := InspectResult{Sessions: make([]SessionSummary, 0, len(ids))}
	for _, id := range ids {
		state, err := st.LoadState(ctx, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load session %s", id), err)
		}
		if state == nil {
			continue
		}
		result.Sessions = append(result.Sessions, SessionSummary{
			SessionID:     state.SessionID,
			Role:          state.Role,
			Status:        state.Status,
			Peer:          peer(state),
			SendBuffer:    len(state.SendEventsState.UndeliveredMessages),
			ReceiveBuffer: len(state.ReceivedEventsState.UndeliveredMessages),
			ErrorReason:   state.ErrorReason,
		})
	}

	pending, err := st.PendingOutbox(ctx, outboxScanLimit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read outbox", err)
	}
	result.PendingOutbox = len(pending)
	return f.Success(result)
}

// peer names the other side of the session from this endpoint's view.
func peer(s *ir.SessionState) string {
	if s.Role == ir.RoleInitiator {
		return s.Counterparty.InitiatedIdentity
	}
	return s.Counterparty.InitiatingIdentity
}
