package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/voltgate/voltgate/internal/cmd"
	"github.com/voltgate/voltgate/internal/cmd/serve"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := cmd.NewRootCommand(version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *serve.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Msg != "" {
				fmt.Fprintln(os.Stderr, exitErr.Msg)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
