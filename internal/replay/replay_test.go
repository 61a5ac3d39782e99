package replay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowpbx/calltrack/internal/ingest"
)

func TestSendBatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != ingestPath {
			t.Errorf("expected path %s, got %s", ingestPath, r.URL.Path)
		}
		if r.Header.Get(secretHeader) != "s3cret" {
			t.Errorf("expected secret %q, got %q", "s3cret", r.Header.Get(secretHeader))
		}

		var events []json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("expected 2 events, got %d", len(events))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{
			Data: json.RawMessage(`{"processed":1,"skipped":1,"errors":[]}`),
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "s3cret")
	res, err := client.SendBatch(context.Background(), []json.RawMessage{
		json.RawMessage(`{"idempotencyKey":"a"}`),
		json.RawMessage(`{"idempotencyKey":"b"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Processed != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 1 processed 1 skipped", res)
	}
}

func TestSendBatch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(envelope{Error: "invalid ingest secret"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "wrong")
	_, err := client.SendBatch(context.Background(), []json.RawMessage{json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "invalid ingest secret") {
		t.Errorf("error = %v, want server message", err)
	}
}

type recordingSender struct {
	batches [][]json.RawMessage
	err     error
}

func (s *recordingSender) SendBatch(_ context.Context, events []json.RawMessage) (ingest.BatchResult, error) {
	if s.err != nil {
		return ingest.BatchResult{}, s.err
	}
	s.batches = append(s.batches, events)
	res := ingest.BatchResult{Processed: len(events)}
	if len(s.batches) == 1 {
		res.Processed--
		res.Errors = []ingest.ItemError{{IdempotencyKey: "k1", Message: "bad"}}
	}
	return res, nil
}

func TestRunBatches(t *testing.T) {
	input := `{"idempotencyKey":"k1"}

{"idempotencyKey":"k2"}
{"idempotencyKey":"k3"}
`
	s := &recordingSender{}
	sum, err := Run(context.Background(), strings.NewReader(input), s, Options{BatchSize: 2})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(s.batches) != 2 || len(s.batches[0]) != 2 || len(s.batches[1]) != 1 {
		t.Fatalf("batches = %v, want sizes 2 and 1", s.batches)
	}
	if sum.Batches != 2 || sum.Processed != 2 || len(sum.Errors) != 1 {
		t.Errorf("summary = %+v, want 2 batches, 2 processed, 1 error", sum)
	}
}

func TestRunInvalidLine(t *testing.T) {
	s := &recordingSender{}
	_, err := Run(context.Background(), strings.NewReader("{\"a\":1}\nnot json\n"), s, Options{BatchSize: 10})
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("Run() error = %v, want line 2 error", err)
	}
	if len(s.batches) != 0 {
		t.Errorf("sent %d batches, want 0", len(s.batches))
	}
}

func TestRunSendError(t *testing.T) {
	s := &recordingSender{err: errors.New("connection refused")}
	_, err := Run(context.Background(), strings.NewReader("{}\n"), s, Options{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
