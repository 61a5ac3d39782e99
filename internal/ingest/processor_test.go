package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/calltrack/internal/callback"
	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/directory"
	"github.com/flowpbx/calltrack/internal/notify"
	"github.com/flowpbx/calltrack/internal/session"
)

type kindCounter map[notify.Kind]int

func (k kindCounter) Notify(_ context.Context, n notify.Notification) error {
	k[n.Kind]++
	return nil
}

func newProcessor(t *testing.T) (*Processor, *database.DB, kindCounter) {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := directory.New()
	sink := kindCounter{}
	sched := callback.NewScheduler(db, dir, sink, logger)
	recon := session.NewReconstructor(dir, dir, sched, 20, logger)
	return NewProcessor(db, recon, sink, logger), db, sink
}

func at(sec int) string {
	return time.Date(2024, 1, 1, 10, 0, sec, 0, time.UTC).Format(time.RFC3339)
}

func answeredBatch() []EventItem {
	return []EventItem{
		{EventType: "call_start", Timestamp: at(0), IdempotencyKey: "k1", LinkedID: "L", Payload: models.Payload{"callerNumber": "+48600100200"}},
		{EventType: "call_answer", Timestamp: at(10), IdempotencyKey: "k2", LinkedID: "L"},
		{EventType: "call_end", Timestamp: at(40), IdempotencyKey: "k3", LinkedID: "L", Payload: models.Payload{"hangupCause": "NORMAL_CLEARING"}},
	}
}

func sessionMetrics(t *testing.T, db *database.DB, linkedID string) (*models.CallSession, *models.CallMetrics) {
	t.Helper()
	st := db.Store()
	sess, err := st.Sessions.GetByLinkedID(context.Background(), linkedID)
	if err != nil {
		t.Fatalf("GetByLinkedID() error: %v", err)
	}
	if sess == nil {
		t.Fatalf("session %s not found", linkedID)
	}
	m, err := st.Metrics.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Metrics.Get() error: %v", err)
	}
	return sess, m
}

func TestAnsweredCallMetrics(t *testing.T) {
	p, db, sink := newProcessor(t)

	res := p.IngestBatch(context.Background(), answeredBatch())
	if res.Processed != 3 || res.Skipped != 0 || len(res.Errors) != 0 {
		t.Fatalf("IngestBatch() = %+v, want 3 processed", res)
	}

	sess, m := sessionMetrics(t, db, "L")
	if sess.Disposition != models.DispositionAnswered {
		t.Errorf("Disposition = %s, want ANSWERED", sess.Disposition)
	}
	if m.WaitSeconds != 10 || m.TalkSeconds != 30 {
		t.Errorf("wait/talk = %d/%d, want 10/30", m.WaitSeconds, m.TalkSeconds)
	}
	if m.IsSLAMet == nil || !*m.IsSLAMet {
		t.Errorf("IsSLAMet = %v, want true", m.IsSLAMet)
	}
	if sink[notify.SessionEnded] != 1 {
		t.Errorf("session.ended notifications = %d, want 1", sink[notify.SessionEnded])
	}

	ev, err := db.Store().Events.GetByIdempotencyKey(context.Background(), "k2")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error: %v", err)
	}
	if ev.SessionID != sess.ID {
		t.Errorf("event session id = %q, want %q", ev.SessionID, sess.ID)
	}
}

func TestReingestSkipsEverything(t *testing.T) {
	p, db, sink := newProcessor(t)
	ctx := context.Background()

	batch := answeredBatch()
	p.IngestBatch(ctx, batch)
	before, _ := sessionMetrics(t, db, "L")

	res := p.IngestBatch(ctx, batch)
	if res.Processed != 0 || res.Skipped != len(batch) || len(res.Errors) != 0 {
		t.Fatalf("second IngestBatch() = %+v, want all %d skipped", res, len(batch))
	}

	after, _ := sessionMetrics(t, db, "L")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("session updated by re-ingest: %v != %v", after.UpdatedAt, before.UpdatedAt)
	}
	if sink[notify.SessionEnded] != 1 {
		t.Errorf("session.ended notifications = %d, want 1", sink[notify.SessionEnded])
	}

	totals := p.Totals()
	if totals[models.EventCallStart].Skipped != 1 || totals[models.EventCallStart].Processed != 1 {
		t.Errorf("call_start totals = %+v, want 1 processed, 1 skipped", totals[models.EventCallStart])
	}
}

func TestDuplicateKeyWithDifferentEventWarns(t *testing.T) {
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	dir := directory.New()
	sched := callback.NewScheduler(db, dir, nil, logger)
	p := NewProcessor(db, session.NewReconstructor(dir, dir, sched, 20, logger), nil, logger)

	p.IngestBatch(context.Background(), answeredBatch())
	if strings.Contains(logs.String(), "idempotency key reused") {
		t.Fatalf("unexpected key reuse warning on first delivery:\n%s", logs.String())
	}

	// A plain redelivery is silent.
	p.IngestBatch(context.Background(), answeredBatch()[:1])
	if strings.Contains(logs.String(), "idempotency key reused") {
		t.Fatalf("unexpected key reuse warning on redelivery:\n%s", logs.String())
	}

	res := p.IngestBatch(context.Background(), []EventItem{
		{EventType: "hold_start", Timestamp: at(20), IdempotencyKey: "k2", LinkedID: "L"},
	})
	if res.Skipped != 1 || res.Processed != 0 {
		t.Fatalf("IngestBatch() = %+v, want 1 skipped", res)
	}
	if !strings.Contains(logs.String(), "idempotency key reused by a different event") {
		t.Errorf("expected key reuse warning, got:\n%s", logs.String())
	}
}

func TestAbandonedCallCreatesCallbackOnce(t *testing.T) {
	p, db, sink := newProcessor(t)
	ctx := context.Background()

	batch := []EventItem{
		{EventType: "call_start", Timestamp: at(0), IdempotencyKey: "a1", LinkedID: "L"},
		{EventType: "call_end", Timestamp: at(15), IdempotencyKey: "a2", LinkedID: "L", Payload: models.Payload{"hangupCause": "ORIGINATOR_CANCEL"}},
	}
	p.IngestBatch(ctx, batch)
	p.IngestBatch(ctx, batch)

	sess, _ := sessionMetrics(t, db, "L")
	if sess.Disposition != models.DispositionAbandoned {
		t.Fatalf("Disposition = %s, want ABANDONED", sess.Disposition)
	}

	st := db.Store()
	mc, err := st.MissedCalls.GetBySessionID(ctx, sess.ID)
	if err != nil || mc == nil {
		t.Fatalf("GetBySessionID() = %v, %v; want missed call", mc, err)
	}
	if mc.Reason != models.MissedAbandoned {
		t.Errorf("Reason = %s, want ABANDONED", mc.Reason)
	}

	list, total, err := st.Callbacks.List(ctx, database.CallbackListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("Callbacks.List() error: %v", err)
	}
	if total != 1 {
		t.Fatalf("callbacks = %d, want 1", total)
	}
	if s := list[0].Status; s != models.CallbackPending && s != models.CallbackScheduled {
		t.Errorf("callback status = %s, want PENDING or SCHEDULED", s)
	}
	if sink[notify.MissedCallCreated] != 1 || sink[notify.CallbackCreated] != 1 {
		t.Errorf("notifications = %v, want one missed call and one callback", sink)
	}
}

func TestTransfersCountMatchesEvents(t *testing.T) {
	p, db, _ := newProcessor(t)
	ctx := context.Background()

	batch := []EventItem{
		{EventType: "call_start", Timestamp: at(0), IdempotencyKey: "t1", LinkedID: "L"},
		{EventType: "agent_connect", Timestamp: at(5), IdempotencyKey: "t2", LinkedID: "L", Payload: models.Payload{"extension": "101"}},
		{EventType: "call_answer", Timestamp: at(5), IdempotencyKey: "t3", LinkedID: "L"},
		{EventType: "transfer", Timestamp: at(20), IdempotencyKey: "t4", LinkedID: "L", Payload: models.Payload{"targetExtension": "102"}},
		{EventType: "transfer", Timestamp: at(30), IdempotencyKey: "t5", LinkedID: "L", Payload: models.Payload{"targetExtension": "103"}},
	}
	p.IngestBatch(ctx, batch)
	// Redelivery of the transfers in a different order.
	p.IngestBatch(ctx, []EventItem{batch[4], batch[3]})
	p.IngestBatch(ctx, []EventItem{
		{EventType: "call_end", Timestamp: at(50), IdempotencyKey: "t6", LinkedID: "L", Payload: models.Payload{"hangupCause": "16"}},
	})

	_, m := sessionMetrics(t, db, "L")
	if m.TransfersCount != 2 {
		t.Errorf("TransfersCount = %d, want 2", m.TransfersCount)
	}
}

func TestPartialBatchFailure(t *testing.T) {
	p, db, _ := newProcessor(t)

	batch := []EventItem{
		{EventType: "call_start", Timestamp: at(0), IdempotencyKey: "p1", LinkedID: "L"},
		{EventType: "call_teleport", Timestamp: at(1), IdempotencyKey: "p2", LinkedID: "L"},
		{EventType: "call_answer", Timestamp: "yesterday", IdempotencyKey: "p3", LinkedID: "L"},
		{EventType: "call_answer", Timestamp: at(2), IdempotencyKey: "", LinkedID: "L"},
		{EventType: "call_answer", Timestamp: at(3), IdempotencyKey: "p5", LinkedID: "L"},
		{EventType: "hold_start", Timestamp: at(4), IdempotencyKey: "p6"},
	}
	res := p.IngestBatch(context.Background(), batch)

	if res.Processed != 3 {
		t.Errorf("Processed = %d, want 3", res.Processed)
	}
	if len(res.Errors) != 3 {
		t.Fatalf("Errors = %v, want 3", res.Errors)
	}
	if res.Errors[0].IdempotencyKey != "p2" || res.Errors[1].IdempotencyKey != "p3" {
		t.Errorf("error keys = %q, %q, want p2, p3", res.Errors[0].IdempotencyKey, res.Errors[1].IdempotencyKey)
	}

	sess, _ := sessionMetrics(t, db, "L")
	if sess.AnswerAt == nil {
		t.Error("call_answer after rejected items not applied")
	}

	ev, err := db.Store().Events.GetByIdempotencyKey(context.Background(), "p6")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error: %v", err)
	}
	if ev == nil || ev.SessionID != "" {
		t.Errorf("event without linked id = %+v, want stored without session", ev)
	}

	if p.Totals()[unknownType].Failed != 1 {
		t.Errorf("unknown type failures = %d, want 1", p.Totals()[unknownType].Failed)
	}
}

func TestIngestRawRejectsMalformedItems(t *testing.T) {
	p, db, _ := newProcessor(t)

	raw := []json.RawMessage{
		json.RawMessage(`{"eventType":"call_start","timestamp":"` + at(0) + `","idempotencyKey":"r1","linkedId":"R","payload":{"callerNumber":"600100200"}}`),
		json.RawMessage(`{"eventType":"call_answer","timestamp":"` + at(5) + `","idempotencyKey":"r2","linkedId":"R","payload":"not an object"}`),
		json.RawMessage(`"garbage"`),
		json.RawMessage(`{"eventType":"call_answer","timestamp":"` + at(6) + `","idempotencyKey":"r3","linkedId":"R"}`),
	}
	res := p.IngestRaw(context.Background(), raw)

	if res.Processed != 2 {
		t.Errorf("Processed = %d, want 2", res.Processed)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("Errors = %v, want 2", res.Errors)
	}
	if p.Totals()[unknownType].Failed != 1 {
		t.Errorf("unknown type failures = %d, want 1", p.Totals()[unknownType].Failed)
	}

	sess, _ := sessionMetrics(t, db, "R")
	if sess.AnswerAt == nil {
		t.Error("call_answer after malformed items not applied")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2024-01-01T10:00:00Z", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"2024-01-01T11:00:00+01:00", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"2024-01-01T10:00:00.250Z", time.Date(2024, 1, 1, 10, 0, 0, 250e6, time.UTC), false},
		{"2024-01-01T10:00:00", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"2024-01-01 10:00:00", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), false},
		{"", time.Time{}, true},
		{"01/01/2024", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTimestamp(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimestamp(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
