package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsess/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Trace bool
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	File   string   `json:"file"`
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Trace  []string `json:"trace,omitempty"`
}

// SimulateResult is the JSON output of the simulate command.
type SimulateResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
}

// WriteText renders the result for the text format.
func (r SimulateResult) WriteText(w io.Writer) error {
	for _, s := range r.Scenarios {
		for _, line := range s.Trace {
			fmt.Fprintln(w, line)
		}
		if s.Pass {
			fmt.Fprintf(w, "PASS %s\n", s.Name)
			continue
		}
		fmt.Fprintf(w, "FAIL %s\n", s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	_, err := fmt.Fprintf(w, "%d passed, %d failed\n", r.Passed, r.Failed)
	return err
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>...",
		Short: "Run session scenarios against a simulated bus",
		Long: `Run one or more scenario files. Each scenario starts from empty stores,
drives nodes step by step on a manual clock and checks its expectations.
Every node store is replayed at the end and must match the live state.

Example:
  flowsess simulate testdata/scenarios/happy_path.yaml
  flowsess simulate --trace testdata/scenarios/*.yaml
  flowsess simulate --format json lossy.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the step trace of every scenario")

	return cmd
}

func runSimulate(opts *SimulateOptions, files []string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	result := SimulateResult{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, file := range files {
		scenario, err := harness.LoadScenario(file)
		if err != nil {
			_ = f.Error(ErrCodeScenario, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to load scenario", err)
		}
		f.VerboseLog("running %s (%d steps)", scenario.Name, len(scenario.Steps))

		run, err := harness.Run(scenario)
		if err != nil {
			_ = f.Error(ErrCodeScenario, err.Error(), nil)
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to run scenario %s", scenario.Name), err)
		}

		sr := ScenarioResult{
			File:   file,
			Name:   scenario.Name,
			Pass:   run.Pass,
			Errors: run.Errors,
		}
		if opts.Trace || opts.Format == "json" {
			sr.Trace = run.Trace
		}
		if run.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if result.Failed > 0 {
		_ = f.Error(ErrCodeScenario, fmt.Sprintf("%d of %d scenarios failed", result.Failed, len(files)), result)
		return NewExitError(ExitFailure, "scenarios failed")
	}
	return f.Success(result)
}
