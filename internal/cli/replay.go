package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsess/internal/config"
	"github.com/roach88/flowsess/internal/host"
	applog "github.com/roach88/flowsess/internal/log"
	"github.com/roach88/flowsess/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database   string
	ConfigPath string
}

// ReplayMismatch is a session whose replayed state differs from the stored one.
type ReplayMismatch struct {
	SessionID string `json:"session_id"`
	Diff      string `json:"diff"`
}

// ReplayResult is the output of the replay command.
type ReplayResult struct {
	Entries    int              `json:"entries"`
	Sessions   int              `json:"sessions"`
	Mismatches []ReplayMismatch `json:"mismatches"`
	Match      bool             `json:"match"`
}

// WriteText renders the result for the text format.
func (r ReplayResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "replayed %d log entries over %d sessions\n", r.Entries, r.Sessions)
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "MISMATCH %s (-stored +replayed):\n%s", m.SessionID, m.Diff)
	}
	if r.Match {
		_, err := fmt.Fprintln(w, "all sessions match")
		return err
	}
	return nil
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a node's input log and verify its stored sessions",
		Long: `Replay re-applies every logged input of a SQLite node store to empty
state and compares the result with the stored session states. A mismatch
means the log and the stored states disagree.

Pass the node's config file when it overrides engine timing, so the replay
uses the same resend, heartbeat and timeout settings.

Example:
  flowsess replay --db ./data/alice.db
  flowsess replay --db ./data/alice.db --config flowsess.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite node store (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "config file with the engine settings used by the node")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := openExisting(opts.Database)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	report, err := host.Replay(ctx, st, cfg.Engine, applog.WithComponent("replay"))
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	result := ReplayResult{
		Entries:    report.Entries,
		Sessions:   len(report.Sessions),
		Mismatches: make([]ReplayMismatch, 0, len(report.Mismatches)),
		Match:      report.OK(),
	}
	for _, m := range report.Mismatches {
		result.Mismatches = append(result.Mismatches, ReplayMismatch{SessionID: m.SessionID, Diff: m.Diff})
	}

	if !result.Match {
		_ = f.Error(ErrCodeMismatch, fmt.Sprintf("%d sessions differ from their replay", len(result.Mismatches)), result)
		return NewExitError(ExitFailure, "replay mismatch")
	}
	return f.Success(result)
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openExisting opens a SQLite store that must already exist. store.Open
// alone would create an empty database for a mistyped path.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("store %s: %w", path, err)
	}
	return store.Open(path)
}
