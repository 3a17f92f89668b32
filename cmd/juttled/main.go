// juttled is the juttle job server. It runs each program in a worker
// subprocess and streams the output to websocket subscribers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Service failed", "error", err)
		stop()
		os.Exit(1)
	}
}
