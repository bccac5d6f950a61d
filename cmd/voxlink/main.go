// Voxlink CLI entry point.
//
// voxlink runs either side of the voxel engine's secure datagram transport:
// a server that authenticates players and answers their commands, or a
// client that connects to one and sends commands from the terminal.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the serve and connect subcommands.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/1ureka/voxlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}
