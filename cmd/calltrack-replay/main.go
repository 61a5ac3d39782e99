package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/flowpbx/calltrack/internal/replay"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "calltrack server base URL")
	secret := flag.String("ingest-secret", os.Getenv("CALLTRACK_INGEST_SECRET"), "shared ingest secret (default $CALLTRACK_INGEST_SECRET)")
	file := flag.String("file", "-", "JSON-lines file of events, - for stdin")
	batchSize := flag.Int("batch-size", 100, "events per request")
	perSecond := flag.Float64("rate", 0, "maximum requests per second (0 for unlimited)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	// Configure structured logging.
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: --ingest-secret is required")
		os.Exit(2)
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	opts := replay.Options{BatchSize: *batchSize}
	if *perSecond > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(*perSecond), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := replay.Run(ctx, in, replay.NewClient(*serverURL, *secret), opts)

	fmt.Printf("batches=%d processed=%d skipped=%d errors=%d\n",
		sum.Batches, sum.Processed, sum.Skipped, len(sum.Errors))
	for _, e := range sum.Errors {
		fmt.Printf("  %s: %s\n", e.IdempotencyKey, e.Message)
	}

	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}
	if len(sum.Errors) > 0 {
		os.Exit(3)
	}
}
