package main

import (
	"context"
	"fmt"
	"os"

	"github.com/agentworkforce/ledgersync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ledgersync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
