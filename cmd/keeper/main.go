// Command keeper keeps a local replica of thekeeper's event log in sync
// and runs the log service.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/thekeeper/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "keeper:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
