// Command cascade validates pipelines, runs conformance scenarios, and
// inspects recorded propagation journals.
package main

import (
	"fmt"
	"os"

	"github.com/cascadehq/cascade/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
