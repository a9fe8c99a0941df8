// Command libar operates a libar event store and runs its subscription
// engine, DCB work queue and agents.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/libar-dev/libar-platform/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
