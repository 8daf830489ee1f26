package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ampflow/cli/cmd/ampflow/cli"
)

func main() {
	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())

	// Handle interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	rootCmd := cli.NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err == nil {
		return
	}

	// Batch runs report item failures and interrupts through the exit code.
	var exitCode *cli.ExitCodeError
	if errors.As(err, &exitCode) {
		os.Exit(exitCode.Code)
	}

	// Don't print if the command already handled its own error output
	var silent *cli.SilentError
	if !errors.As(err, &silent) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}
