// Package main implements the statcandb binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/statcandb/statcandb/internal/cli"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// A signal stops the run between products.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand(fmt.Sprintf("%s (commit: %s)", version, commit), os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
