// juttle-worker runs one juttle program for the job server. Commands arrive
// as NDJSON on stdin and events are written as NDJSON to stdout, so all
// logging goes to stderr.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"juttled/internal/config"
	"juttled/internal/engine"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	var opts engine.Options
	if len(os.Args) > 1 && os.Args[1] != "" {
		file, err := config.ReadFile(os.Args[1])
		if err != nil {
			slog.Error("Failed to read config", "error", err)
			os.Exit(1)
		}
		opts.ImplicitSink = file.Juttle.ImplicitSink
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	code := engine.Serve(ctx, os.Stdin, os.Stdout, opts)
	stop()
	os.Exit(code)
}
