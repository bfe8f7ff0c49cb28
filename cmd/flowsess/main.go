// Command flowsess runs, simulates and inspects flow sessions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/flowsess/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
