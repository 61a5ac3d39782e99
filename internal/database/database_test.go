package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, "calltrack.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{
		"schema_migrations", "call_sessions", "call_events", "call_legs",
		"call_metrics", "missed_calls", "callback_requests", "recordings",
		"quality_reviews",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 3 {
		t.Errorf("migration count = %d, want 3", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func createSession(t *testing.T, st *Store, id, linkedID string, start time.Time) *models.CallSession {
	t.Helper()
	s := &models.CallSession{
		ID:           id,
		LinkedID:     linkedID,
		Direction:    models.DirectionIn,
		CallerNumber: "+48600100200",
		StartAt:      start,
	}
	created, err := st.Sessions.Create(context.Background(), s)
	if err != nil {
		t.Fatalf("Sessions.Create() error: %v", err)
	}
	if !created {
		t.Fatalf("Sessions.Create(%s) = false, want true", linkedID)
	}
	return s
}

func TestCallEventIdempotency(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	ev := &models.CallEvent{
		ID:             "ev-1",
		EventType:      models.EventCallStart,
		Timestamp:      time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		IdempotencyKey: "key-1",
		Payload:        models.Payload{"callerNumber": "100"},
		LinkedID:       "L1",
	}
	created, err := st.Events.Create(ctx, ev)
	if err != nil {
		t.Fatalf("Events.Create() error: %v", err)
	}
	if !created {
		t.Fatal("first Create() = false, want true")
	}

	dup := *ev
	dup.ID = "ev-2"
	created, err = st.Events.Create(ctx, &dup)
	if err != nil {
		t.Fatalf("Events.Create() duplicate error: %v", err)
	}
	if created {
		t.Error("duplicate Create() = true, want false")
	}

	got, err := st.Events.GetByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error: %v", err)
	}
	if got == nil || got.ID != "ev-1" {
		t.Fatalf("GetByIdempotencyKey() = %+v, want ev-1", got)
	}
	if got.Payload.String("callerNumber") != "100" {
		t.Errorf("payload callerNumber = %q, want 100", got.Payload.String("callerNumber"))
	}

	missing, err := st.Events.GetByIdempotencyKey(ctx, "nope")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey(nope) error: %v", err)
	}
	if missing != nil {
		t.Errorf("GetByIdempotencyKey(nope) = %+v, want nil", missing)
	}
}

func TestCallEventLatestBefore(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	createSession(t, st, "s1", "L1", base)

	for i, ts := range []time.Time{base.Add(10 * time.Second), base.Add(40 * time.Second)} {
		ev := &models.CallEvent{
			ID:             []string{"h1", "h2"}[i],
			EventType:      models.EventHoldStart,
			Timestamp:      ts,
			IdempotencyKey: []string{"k1", "k2"}[i],
			LinkedID:       "L1",
			SessionID:      "s1",
		}
		if _, err := st.Events.Create(ctx, ev); err != nil {
			t.Fatalf("Events.Create() error: %v", err)
		}
	}

	got, err := st.Events.LatestBefore(ctx, "s1", models.EventHoldStart, base.Add(30*time.Second), "")
	if err != nil {
		t.Fatalf("LatestBefore() error: %v", err)
	}
	if got == nil || got.ID != "h1" {
		t.Fatalf("LatestBefore(+30s) = %+v, want h1", got)
	}

	got, err = st.Events.LatestBefore(ctx, "s1", models.EventHoldStart, base.Add(time.Minute), "")
	if err != nil {
		t.Fatalf("LatestBefore() error: %v", err)
	}
	if got == nil || got.ID != "h2" {
		t.Fatalf("LatestBefore(+60s) = %+v, want h2", got)
	}

	got, err = st.Events.LatestBefore(ctx, "s1", models.EventHoldEnd, base.Add(time.Minute), "")
	if err != nil {
		t.Fatalf("LatestBefore() error: %v", err)
	}
	if got != nil {
		t.Errorf("LatestBefore(hold_end) = %+v, want nil", got)
	}
}

func TestCallEventTiesFollowIngestionOrder(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	createSession(t, st, "s1", "L1", base)

	// Same timestamp and created_at: only the ingestion sequence differs.
	at := base.Add(8 * time.Second)
	for _, e := range []struct {
		id  string
		typ models.EventType
	}{{"he", models.EventHoldEnd}, {"hs", models.EventHoldStart}} {
		ev := &models.CallEvent{
			ID: e.id, EventType: e.typ, Timestamp: at, IdempotencyKey: "k-" + e.id,
			LinkedID: "L1", SessionID: "s1", CreatedAt: base,
		}
		if _, err := st.Events.Create(ctx, ev); err != nil {
			t.Fatalf("Events.Create(%s) error: %v", e.id, err)
		}
	}

	events, err := st.Events.ListBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBySession() error: %v", err)
	}
	if len(events) != 2 || events[0].ID != "he" || events[1].ID != "hs" {
		t.Fatalf("ListBySession() = %+v, want he then hs", events)
	}
	if !events[1].After(&events[0]) || events[0].After(&events[1]) {
		t.Errorf("After() does not follow ingestion order: seq %d, %d", events[0].Seq, events[1].Seq)
	}
}

func TestCallEventCompactBefore(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := createSession(t, st, "s1", "L1", base)
	end := base.Add(time.Minute)
	ended.EndAt = &end
	if err := st.Sessions.Update(ctx, ended); err != nil {
		t.Fatalf("Sessions.Update() error: %v", err)
	}
	createSession(t, st, "s2", "L2", base)

	for _, ev := range []*models.CallEvent{
		{ID: "e1", SessionID: "s1", LinkedID: "L1", IdempotencyKey: "k1", Timestamp: base},
		{ID: "e2", SessionID: "s2", LinkedID: "L2", IdempotencyKey: "k2", Timestamp: base},
		{ID: "e3", SessionID: "s1", LinkedID: "L1", IdempotencyKey: "k3", Timestamp: base.Add(48 * time.Hour)},
	} {
		ev.EventType = models.EventCallStart
		ev.Payload = models.Payload{"callerNumber": "100"}
		if _, err := st.Events.Create(ctx, ev); err != nil {
			t.Fatalf("Events.Create(%s) error: %v", ev.ID, err)
		}
	}

	n, err := st.Events.CompactBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CompactBefore() error: %v", err)
	}
	if n != 1 {
		t.Errorf("CompactBefore() = %d, want 1", n)
	}

	for key, want := range map[string]string{"k1": "", "k2": "100", "k3": "100"} {
		ev, err := st.Events.GetByIdempotencyKey(ctx, key)
		if err != nil {
			t.Fatalf("GetByIdempotencyKey(%s) error: %v", key, err)
		}
		if ev == nil {
			t.Fatalf("GetByIdempotencyKey(%s) = nil, want row kept", key)
		}
		if got := ev.Payload.String("callerNumber"); got != want {
			t.Errorf("%s callerNumber = %q, want %q", key, got, want)
		}
	}

	n, err = st.Events.CompactBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("second CompactBefore() error: %v", err)
	}
	if n != 0 {
		t.Errorf("second CompactBefore() = %d, want 0", n)
	}
}

func TestCallSessionCreateConflict(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	createSession(t, st, "s1", "L1", start)

	created, err := st.Sessions.Create(ctx, &models.CallSession{ID: "s2", LinkedID: "L1", StartAt: start})
	if err != nil {
		t.Fatalf("Sessions.Create() error: %v", err)
	}
	if created {
		t.Error("Create with duplicate linked id = true, want false")
	}

	got, err := st.Sessions.GetByLinkedID(ctx, "L1")
	if err != nil {
		t.Fatalf("GetByLinkedID() error: %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("session id = %q, want s1", got.ID)
	}
	if !got.StartAt.Equal(start) {
		t.Errorf("StartAt = %v, want %v", got.StartAt, start)
	}
	if got.RecordingStatus != models.RecordingNone {
		t.Errorf("RecordingStatus = %q, want NONE", got.RecordingStatus)
	}
}

func TestCallSessionSearchIsLiteral(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	createSession(t, st, "s1", "L1", base)
	odd := &models.CallSession{ID: "s2", LinkedID: "L2", Direction: models.DirectionIn, CallerNumber: "5_0%1", StartAt: base}
	if _, err := st.Sessions.Create(ctx, odd); err != nil {
		t.Fatalf("Sessions.Create() error: %v", err)
	}

	tests := []struct {
		search string
		want   []string
	}{
		{"%", []string{"s2"}},
		{"_", []string{"s2"}},
		{"0_1", nil},
		{"0%1", []string{"s2"}},
		{"600100", []string{"s1"}},
	}
	for _, tt := range tests {
		list, total, err := st.Sessions.List(ctx, CallListFilter{Limit: 10, From: base, To: base.Add(time.Hour), Search: tt.search})
		if err != nil {
			t.Fatalf("List(search %q) error: %v", tt.search, err)
		}
		var ids []string
		for _, s := range list {
			ids = append(ids, s.ID)
		}
		if total != len(tt.want) || strings.Join(ids, ",") != strings.Join(tt.want, ",") {
			t.Errorf("List(search %q) = %v (total %d), want %v", tt.search, ids, total, tt.want)
		}
	}
}

func TestCallSessionListFilters(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s1 := createSession(t, st, "s1", "L1", base)
	s1.QueueID = "q1"
	s1.Disposition = models.DispositionAnswered
	end := base.Add(time.Minute)
	s1.EndAt = &end
	if err := st.Sessions.Update(ctx, s1); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	createSession(t, st, "s2", "L2", base.Add(time.Hour))
	createSession(t, st, "s3", "L3", base.Add(48*time.Hour))

	filter := CallListFilter{Limit: 10, From: base, To: base.Add(24 * time.Hour)}
	list, total, err := st.Sessions.List(ctx, filter)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("List() total = %d, len = %d, want 2, 2", total, len(list))
	}
	if list[0].ID != "s2" {
		t.Errorf("first session = %s, want s2 (newest first)", list[0].ID)
	}

	filter.QueueID = "q1"
	list, total, err = st.Sessions.List(ctx, filter)
	if err != nil {
		t.Fatalf("List(queue) error: %v", err)
	}
	if total != 1 || list[0].ID != "s1" {
		t.Errorf("List(queue) = %d sessions, want s1 only", total)
	}

	open, err := st.Sessions.CountOpen(ctx)
	if err != nil {
		t.Fatalf("CountOpen() error: %v", err)
	}
	if open != 2 {
		t.Errorf("CountOpen() = %d, want 2", open)
	}

	recent, err := st.Sessions.RecentByCaller(ctx, "600100200", 5)
	if err != nil {
		t.Fatalf("RecentByCaller() error: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("RecentByCaller() = %d sessions, want 3", len(recent))
	}
}

func TestCallMetricsAccumulate(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	createSession(t, st, "s1", "L1", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	if err := st.Metrics.AddHoldSeconds(ctx, "s1", 15, 20); err != nil {
		t.Fatalf("AddHoldSeconds() error: %v", err)
	}
	if err := st.Metrics.AddHoldSeconds(ctx, "s1", 5, 20); err != nil {
		t.Fatalf("AddHoldSeconds() error: %v", err)
	}
	if err := st.Metrics.IncrementTransfers(ctx, "s1", 20); err != nil {
		t.Fatalf("IncrementTransfers() error: %v", err)
	}

	met := true
	now := time.Now()
	if err := st.Metrics.UpsertDerived(ctx, &models.CallMetrics{
		SessionID:           "s1",
		WaitSeconds:         10,
		RingSeconds:         10,
		TalkSeconds:         40,
		IsSLAMet:            &met,
		SLAThresholdSeconds: 20,
		ComputedAt:          &now,
	}); err != nil {
		t.Fatalf("UpsertDerived() error: %v", err)
	}

	m, err := st.Metrics.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if m.HoldSeconds != 20 {
		t.Errorf("HoldSeconds = %d, want 20", m.HoldSeconds)
	}
	if m.TransfersCount != 1 {
		t.Errorf("TransfersCount = %d, want 1", m.TransfersCount)
	}
	if m.TalkSeconds != 40 {
		t.Errorf("TalkSeconds = %d, want 40", m.TalkSeconds)
	}
	if m.IsSLAMet == nil || !*m.IsSLAMet {
		t.Errorf("IsSLAMet = %v, want true", m.IsSLAMet)
	}
	if m.FirstResponseSeconds != nil {
		t.Errorf("FirstResponseSeconds = %v, want nil", *m.FirstResponseSeconds)
	}
}

func TestCallbackQueueOrder(t *testing.T) {
	db := openTestDB(t)
	st := db.Store()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	later := base.Add(2 * time.Hour)
	sooner := base.Add(time.Hour)
	cases := []struct {
		id        string
		scheduled *time.Time
	}{
		{"a", nil},
		{"b", &later},
		{"c", &sooner},
	}
	for i, c := range cases {
		sid := "s-" + c.id
		createSession(t, st, sid, "L-"+c.id, base)
		mc := &models.MissedCall{ID: "m-" + c.id, SessionID: sid, Reason: models.MissedAbandoned}
		if _, err := st.MissedCalls.Create(ctx, mc); err != nil {
			t.Fatalf("MissedCalls.Create() error: %v", err)
		}
		status := models.CallbackPending
		if c.scheduled != nil {
			status = models.CallbackScheduled
		}
		cb := &models.CallbackRequest{
			ID:           c.id,
			MissedCallID: mc.ID,
			Status:       status,
			ScheduledAt:  c.scheduled,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := st.Callbacks.Create(ctx, cb); err != nil {
			t.Fatalf("Callbacks.Create() error: %v", err)
		}
	}

	dup := &models.CallbackRequest{ID: "dup", MissedCallID: "m-a"}
	created, err := st.Callbacks.Create(ctx, dup)
	if err != nil {
		t.Fatalf("Callbacks.Create() duplicate error: %v", err)
	}
	if created {
		t.Error("duplicate callback Create() = true, want false")
	}

	list, total, err := st.Callbacks.List(ctx, CallbackListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 3 {
		t.Fatalf("List() total = %d, want 3", total)
	}
	order := list[0].ID + list[1].ID + list[2].ID
	if order != "cba" {
		t.Errorf("queue order = %s, want cba", order)
	}
	if list[2].SessionID != "s-a" {
		t.Errorf("joined session id = %q, want s-a", list[2].SessionID)
	}

	due, err := st.Callbacks.ListDue(ctx, base.Add(90*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDue() error: %v", err)
	}
	if len(due) != 1 || due[0].ID != "c" {
		t.Fatalf("ListDue() = %d callbacks, want c only", len(due))
	}
	if err := st.Callbacks.MarkNotified(ctx, "c", base.Add(90*time.Minute)); err != nil {
		t.Fatalf("MarkNotified() error: %v", err)
	}
	due, err = st.Callbacks.ListDue(ctx, base.Add(90*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDue() error: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("ListDue() after notify = %d, want 0", len(due))
	}

	counts, err := st.Callbacks.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error: %v", err)
	}
	if counts[models.CallbackScheduled] != 2 || counts[models.CallbackPending] != 1 {
		t.Errorf("CountByStatus() = %v, want 2 scheduled, 1 pending", counts)
	}
}

func TestWithTxRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	errBoom := errors.New("boom")
	err := db.WithTx(ctx, func(st *Store) error {
		createSession(t, st, "s1", "L1", time.Now())
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("WithTx() error = %v, want %v", err, errBoom)
	}

	got, err := db.Store().Sessions.GetByLinkedID(ctx, "L1")
	if err != nil {
		t.Fatalf("GetByLinkedID() error: %v", err)
	}
	if got != nil {
		t.Error("session persisted after rollback")
	}
}
