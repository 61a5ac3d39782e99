package callback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/directory"
	"github.com/flowpbx/calltrack/internal/notify"
	"github.com/flowpbx/calltrack/internal/worktime"
)

type fakeQueues map[string]*directory.Queue

func (f fakeQueues) QueueByID(_ context.Context, id string) (*directory.Queue, error) {
	return f[id], nil
}

type sinkRecorder struct {
	got []notify.Notification
}

func (s *sinkRecorder) Notify(_ context.Context, n notify.Notification) error {
	s.got = append(s.got, n)
	return nil
}

// Monday 2024-01-01, 19:00 UTC.
var monday19 = time.Date(2024, 1, 1, 19, 0, 0, 0, time.UTC)

func businessHours() *worktime.Config {
	cfg := &worktime.Config{Timezone: "UTC"}
	for day := 1; day <= 5; day++ {
		cfg.Windows = append(cfg.Windows, worktime.Window{Day: day, Start: "09:00", End: "18:00"})
	}
	return cfg
}

type fixture struct {
	db    *database.DB
	sched *Scheduler
	sink  *sinkRecorder
	clock time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, sink: &sinkRecorder{}, clock: monday19}
	queues := fakeQueues{
		"q-hours":  {ID: "q-hours", Name: "Support", Worktime: businessHours()},
		"q-always": {ID: "q-always", Name: "Sales"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(func() time.Time { return f.clock })}, opts...)
	f.sched = NewScheduler(db, queues, f.sink, logger, opts...)
	return f
}

// endSession stores a terminated session and runs OnTerminal for it.
func (f *fixture) endSession(t *testing.T, linkedID, queueID string, start time.Time, disposition models.Disposition) (*models.CallSession, *notify.Outbox) {
	t.Helper()
	end := start.Add(30 * time.Second)
	sess := &models.CallSession{
		ID:           "s-" + linkedID,
		LinkedID:     linkedID,
		CallerNumber: "+48600100200",
		StartAt:      start,
		EndAt:        &end,
		Disposition:  disposition,
		QueueID:      queueID,
	}
	out := &notify.Outbox{}
	err := f.db.WithTx(context.Background(), func(st *database.Store) error {
		if _, err := st.Sessions.Create(context.Background(), sess); err != nil {
			return err
		}
		return f.sched.OnTerminal(context.Background(), st, sess, out)
	})
	if err != nil {
		t.Fatalf("OnTerminal() error: %v", err)
	}
	return sess, out
}

func (f *fixture) rerun(t *testing.T, sess *models.CallSession) *notify.Outbox {
	t.Helper()
	out := &notify.Outbox{}
	err := f.db.WithTx(context.Background(), func(st *database.Store) error {
		return f.sched.OnTerminal(context.Background(), st, sess, out)
	})
	if err != nil {
		t.Fatalf("OnTerminal() rerun error: %v", err)
	}
	return out
}

func (f *fixture) callbackFor(t *testing.T, sessionID string) (*models.MissedCall, *models.CallbackRequest) {
	t.Helper()
	st := f.db.Store()
	mc, err := st.MissedCalls.GetBySessionID(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetBySessionID() error: %v", err)
	}
	if mc == nil {
		return nil, nil
	}
	cb, err := st.Callbacks.GetByMissedCallID(context.Background(), mc.ID)
	if err != nil {
		t.Fatalf("GetByMissedCallID() error: %v", err)
	}
	return mc, cb
}

func TestAbandonedCreatesPendingCallbackOnce(t *testing.T) {
	f := newFixture(t)

	sess, out := f.endSession(t, "L1", "", monday19, models.DispositionAbandoned)
	if out.Len() != 2 {
		t.Errorf("notifications = %d, want 2 (missed call, callback)", out.Len())
	}

	if again := f.rerun(t, sess); again.Len() != 0 {
		t.Errorf("rerun notifications = %d, want 0", again.Len())
	}

	mc, cb := f.callbackFor(t, sess.ID)
	if mc == nil || mc.Reason != models.MissedAbandoned {
		t.Fatalf("missed call = %+v, want reason ABANDONED", mc)
	}
	if mc.CallerNumber != "+48600100200" {
		t.Errorf("CallerNumber = %q, want +48600100200", mc.CallerNumber)
	}
	if cb == nil || cb.Status != models.CallbackPending || cb.ScheduledAt != nil {
		t.Fatalf("callback = %+v, want PENDING without schedule", cb)
	}

	_, total, err := f.sched.CallbackQueue(context.Background(), "", 1, 25)
	if err != nil {
		t.Fatalf("CallbackQueue() error: %v", err)
	}
	if total != 1 {
		t.Errorf("callbacks = %d, want 1", total)
	}
}

func TestOutOfHoursSchedulesNextWindow(t *testing.T) {
	f := newFixture(t)

	sess, _ := f.endSession(t, "L1", "q-hours", monday19, models.DispositionNoAnswer)

	mc, cb := f.callbackFor(t, sess.ID)
	if mc.Reason != models.MissedOutOfHours {
		t.Fatalf("Reason = %s, want OUT_OF_HOURS", mc.Reason)
	}
	if cb == nil || cb.Status != models.CallbackScheduled {
		t.Fatalf("callback = %+v, want SCHEDULED", cb)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if cb.ScheduledAt == nil || !cb.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", cb.ScheduledAt, want)
	}
	if cb.QueueID != "q-hours" {
		t.Errorf("QueueID = %q, want q-hours", cb.QueueID)
	}
}

func TestNoAnswerWithoutHoursHasNoCallback(t *testing.T) {
	f := newFixture(t)

	sess, _ := f.endSession(t, "L1", "q-always", monday19, models.DispositionBusy)

	mc, cb := f.callbackFor(t, sess.ID)
	if mc == nil || mc.Reason != models.MissedNoAnswer {
		t.Fatalf("missed call = %+v, want reason NO_ANSWER", mc)
	}
	if cb != nil {
		t.Errorf("callback = %+v, want none", cb)
	}
}

func TestAnsweredIgnored(t *testing.T) {
	f := newFixture(t)

	sess, out := f.endSession(t, "L1", "", monday19, models.DispositionAnswered)
	if out.Len() != 0 {
		t.Errorf("notifications = %d, want 0", out.Len())
	}
	if mc, _ := f.callbackFor(t, sess.ID); mc != nil {
		t.Errorf("missed call = %+v, want none", mc)
	}
}

func TestClassifiers(t *testing.T) {
	q := &directory.Queue{ID: "q", Worktime: businessHours()}
	inHours := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		classify   Classifier
		start      time.Time
		disp       models.Disposition
		queue      *directory.Queue
		wantReason models.MissedReason
	}{
		{"presence in hours", ClassifyByConfigPresence, inHours, models.DispositionNoAnswer, q, models.MissedOutOfHours},
		{"presence no queue", ClassifyByConfigPresence, inHours, models.DispositionNoAnswer, nil, models.MissedNoAnswer},
		{"presence abandoned", ClassifyByConfigPresence, inHours, models.DispositionAbandoned, q, models.MissedAbandoned},
		{"window in hours", ClassifyByWindow, inHours, models.DispositionNoAnswer, q, models.MissedNoAnswer},
		{"window after hours", ClassifyByWindow, monday19, models.DispositionNoAnswer, q, models.MissedOutOfHours},
		{"window empty config", ClassifyByWindow, monday19, models.DispositionMissed, &directory.Queue{ID: "x"}, models.MissedNoAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &models.CallSession{StartAt: tt.start, Disposition: tt.disp}
			if got := tt.classify(sess, tt.queue); got != tt.wantReason {
				t.Errorf("reason = %s, want %s", got, tt.wantReason)
			}
		})
	}
}

func TestStrictClassifierInHours(t *testing.T) {
	f := newFixture(t, WithClassifier(ClassifyByWindow))

	inHours := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	sess, _ := f.endSession(t, "L1", "q-hours", inHours, models.DispositionNoAnswer)

	mc, cb := f.callbackFor(t, sess.ID)
	if mc.Reason != models.MissedNoAnswer {
		t.Errorf("Reason = %s, want NO_ANSWER", mc.Reason)
	}
	if cb != nil {
		t.Errorf("callback = %+v, want none", cb)
	}
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.endSession(t, "L1", "", monday19, models.DispositionAbandoned)
	mc, cb := f.callbackFor(t, sess.ID)

	for i := 1; i <= 3; i++ {
		got, err := f.sched.HandleCallback(ctx, cb.ID, "no answer")
		if err != nil {
			t.Fatalf("HandleCallback() attempt %d error: %v", i, err)
		}
		if got.Status != models.CallbackAttempting || got.AttemptsCount != i {
			t.Errorf("attempt %d: status = %s, attempts = %d", i, got.Status, got.AttemptsCount)
		}
		if got.LastAttemptAt == nil {
			t.Errorf("attempt %d: LastAttemptAt not set", i)
		}
	}

	got, err := f.sched.HandleCallback(ctx, cb.ID, " Completed ")
	if err != nil {
		t.Fatalf("HandleCallback(completed) error: %v", err)
	}
	if got.Status != models.CallbackDone {
		t.Errorf("Status = %s, want DONE", got.Status)
	}
	if got.AttemptsCount != 3 {
		t.Errorf("AttemptsCount = %d, want 3", got.AttemptsCount)
	}

	handled, err := f.db.Store().MissedCalls.GetByID(ctx, mc.ID)
	if err != nil {
		t.Fatalf("MissedCalls.GetByID() error: %v", err)
	}
	if handled.Status != models.MissedStatusHandled || handled.HandledAt == nil {
		t.Errorf("missed call = %+v, want HANDLED", handled)
	}

	if len(f.sink.got) != 4 {
		t.Errorf("update notifications = %d, want 4", len(f.sink.got))
	}
}

func TestHandleCallbackErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sched.HandleCallback(ctx, "missing", "completed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("HandleCallback(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := f.sched.HandleCallback(ctx, "missing", "  "); !errors.Is(err, ErrNotFound) {
		t.Errorf("HandleCallback(missing, empty outcome) error = %v, want ErrNotFound", err)
	}
	if _, err := f.sched.GetCallback(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCallback(missing) error = %v, want ErrNotFound", err)
	}

	sess, _ := f.endSession(t, "L1", "", monday19, models.DispositionAbandoned)
	_, cb := f.callbackFor(t, sess.ID)
	if _, err := f.sched.HandleCallback(ctx, cb.ID, "  "); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("HandleCallback(empty outcome) error = %v, want ErrInvalidOutcome", err)
	}
	got, err := f.sched.GetCallback(ctx, cb.ID)
	if err != nil {
		t.Fatalf("GetCallback() error: %v", err)
	}
	if got.AttemptsCount != 0 || got.Status != cb.Status {
		t.Errorf("callback after rejected outcome = %+v, want unchanged", got)
	}
}

func TestNotifyDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.endSession(t, "L1", "q-hours", monday19, models.DispositionNoAnswer)

	n, err := f.sched.NotifyDue(ctx)
	if err != nil {
		t.Fatalf("NotifyDue() error: %v", err)
	}
	if n != 0 {
		t.Errorf("NotifyDue() before window = %d, want 0", n)
	}

	f.clock = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	n, err = f.sched.NotifyDue(ctx)
	if err != nil {
		t.Fatalf("NotifyDue() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("NotifyDue() at window = %d, want 1", n)
	}
	if last := f.sink.got[len(f.sink.got)-1]; last.Kind != notify.CallbackDue {
		t.Errorf("notification kind = %s, want callback.due", last.Kind)
	}

	n, err = f.sched.NotifyDue(ctx)
	if err != nil {
		t.Fatalf("NotifyDue() error: %v", err)
	}
	if n != 0 {
		t.Errorf("NotifyDue() repeat = %d, want 0", n)
	}
}
