// scriptcon - a remote script console for small devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scriptcon/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "scriptcon: %v\n", err)
		os.Exit(1)
	}
}
