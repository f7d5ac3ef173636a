package main

import (
	"context"
	"fmt"
	"os"

	"github.com/plaenen/atelier/internal/cli"
	"github.com/plaenen/atelier/pkg/runner"
)

func main() {
	ctx, stop := runner.NotifyShutdown(context.Background())
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
