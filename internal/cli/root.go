// Package cli implements the flowsess command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	applog "github.com/roach88/flowsess/internal/log"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	LogLevel string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the flowsess CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowsess",
		Short: "flowsess - reliable flow sessions over an unreliable bus",
		Long: `flowsess sequences, acknowledges and closes flow sessions between
nodes that exchange events over an at-least-once message bus.

Scenarios drive the engine deterministically; the run command starts live
nodes; replay and inspect read what a node persisted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			configureLogging(opts, cmd)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error|disabled)")

	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

// configureLogging sends engine logs to stderr. Without an explicit level
// only warnings show, unless --verbose asks for debug output.
func configureLogging(opts *RootOptions, cmd *cobra.Command) {
	level := opts.LogLevel
	if level == "" {
		level = "warn"
		if opts.Verbose {
			level = "debug"
		}
	}
	applog.Configure(applog.Config{Level: level, Output: cmd.ErrOrStderr()})
}
