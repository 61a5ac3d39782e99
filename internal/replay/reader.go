package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/flowpbx/calltrack/internal/ingest"
)

// maxLineBytes bounds one JSON line.
const maxLineBytes = 1 << 20

// Summary totals a replay run.
type Summary struct {
	Batches   int
	Processed int
	Skipped   int
	Errors    []ingest.ItemError
}

// Sender posts one batch of events.
type Sender interface {
	SendBatch(ctx context.Context, events []json.RawMessage) (ingest.BatchResult, error)
}

// Options controls a replay run.
type Options struct {
	BatchSize int
	// Limiter paces batches. Nil sends as fast as the server answers.
	Limiter *rate.Limiter
}

// Run reads one JSON event per line from r and sends them in batches. Blank
// lines are ignored; a line that is not valid JSON stops the run before
// anything after it is sent.
func Run(ctx context.Context, r io.Reader, s Sender, opts Options) (Summary, error) {
	var sum Summary
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	batch := make([]json.RawMessage, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		res, err := s.SendBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", sum.Batches+1, err)
		}
		sum.Batches++
		sum.Processed += res.Processed
		sum.Skipped += res.Skipped
		sum.Errors = append(sum.Errors, res.Errors...)
		batch = make([]json.RawMessage, 0, opts.BatchSize)
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if !json.Valid(b) {
			return sum, fmt.Errorf("line %d: invalid json", line)
		}
		batch = append(batch, json.RawMessage(bytes.Clone(b)))
		if len(batch) == opts.BatchSize {
			if err := flush(); err != nil {
				return sum, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("reading events: %w", err)
	}
	if err := flush(); err != nil {
		return sum, err
	}
	return sum, nil
}
