// Package callback classifies unanswered calls and manages the callback
// queue built from them.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/directory"
	"github.com/flowpbx/calltrack/internal/notify"
	"github.com/flowpbx/calltrack/internal/worktime"
)

// ErrNotFound is returned when a callback does not exist.
var ErrNotFound = errors.New("callback not found")

// ErrInvalidOutcome is returned when an outcome is empty.
var ErrInvalidOutcome = errors.New("outcome is required")

// QueueLookup returns a queue by id, or nil when unknown.
type QueueLookup interface {
	QueueByID(ctx context.Context, id string) (*directory.Queue, error)
}

// Classifier decides why a terminal, unanswered session was missed. q is nil
// when the session has no queue or the queue is unknown.
type Classifier func(sess *models.CallSession, q *directory.Queue) models.MissedReason

// ClassifyByConfigPresence treats any configured business hours on the
// queue as an out-of-hours miss, without checking the call time.
func ClassifyByConfigPresence(sess *models.CallSession, q *directory.Queue) models.MissedReason {
	if sess.Disposition == models.DispositionAbandoned {
		return models.MissedAbandoned
	}
	if q != nil && !q.Worktime.Empty() {
		return models.MissedOutOfHours
	}
	return models.MissedNoAnswer
}

// ClassifyByWindow reports OUT_OF_HOURS only when the call started outside
// the queue's business hours.
func ClassifyByWindow(sess *models.CallSession, q *directory.Queue) models.MissedReason {
	if sess.Disposition == models.DispositionAbandoned {
		return models.MissedAbandoned
	}
	if q != nil && !q.Worktime.Empty() && !worktime.IsWithinWindow(sess.StartAt, q.Worktime) {
		return models.MissedOutOfHours
	}
	return models.MissedNoAnswer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClassifier replaces the default missed-call classifier.
func WithClassifier(c Classifier) Option {
	return func(s *Scheduler) { s.classify = c }
}

// WithClock overrides the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler creates missed calls and callbacks for unanswered sessions and
// applies operator outcomes to callbacks.
type Scheduler struct {
	db       *database.DB
	queues   QueueLookup
	sink     notify.Sink
	classify Classifier
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a new Scheduler. sink receives callback updates and
// due announcements; it may be nil.
func NewScheduler(db *database.DB, queues QueueLookup, sink notify.Sink, logger *slog.Logger, opts ...Option) *Scheduler {
	if sink == nil {
		sink = notify.Discard
	}
	s := &Scheduler{
		db:       db,
		queues:   queues,
		sink:     sink,
		classify: ClassifyByConfigPresence,
		now:      time.Now,
		logger:   logger.With("subsystem", "callback"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTerminal records the missed call for an unanswered session and, for
// abandoned and out-of-hours calls, the callback request. Both are created
// at most once. It runs inside the caller's transaction.
func (s *Scheduler) OnTerminal(ctx context.Context, st *database.Store, sess *models.CallSession, out *notify.Outbox) error {
	if sess.Disposition == models.DispositionAnswered {
		return nil
	}

	q := s.lookupQueue(ctx, sess)
	reason := s.classify(sess, q)

	mc := &models.MissedCall{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		Reason:       reason,
		QueueID:      sess.QueueID,
		UserID:       sess.AssignedUserID,
		CallerNumber: sess.CallerNumber,
	}
	created, err := st.MissedCalls.Create(ctx, mc)
	if err != nil {
		return err
	}
	if !created {
		existing, err := st.MissedCalls.GetBySessionID(ctx, sess.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("missed call for session %s vanished after conflict", sess.ID)
		}
		mc = existing
	} else {
		out.Add(notify.Notification{Kind: notify.MissedCallCreated, Session: sess, MissedCall: mc})
		s.logger.Info("missed call recorded",
			"session_id", sess.ID,
			"linked_id", sess.LinkedID,
			"reason", reason,
		)
	}

	if mc.Reason != models.MissedAbandoned && mc.Reason != models.MissedOutOfHours {
		return nil
	}

	cb := &models.CallbackRequest{
		ID:           uuid.NewString(),
		MissedCallID: mc.ID,
		Status:       models.CallbackPending,
	}
	if mc.Reason == models.MissedOutOfHours && q != nil {
		next := worktime.NextWindowStart(s.now(), q.Worktime)
		cb.ScheduledAt = &next
		cb.Status = models.CallbackScheduled
	}

	created, err = st.Callbacks.Create(ctx, cb)
	if err != nil {
		return err
	}
	if created {
		cb.SessionID = sess.ID
		cb.CallerNumber = mc.CallerNumber
		cb.QueueID = mc.QueueID
		cb.Reason = mc.Reason
		out.Add(notify.Notification{Kind: notify.CallbackCreated, Session: sess, MissedCall: mc, Callback: cb})
	}
	return nil
}

// lookupQueue resolves the session's queue. Lookup failures are logged and
// treated as no queue.
func (s *Scheduler) lookupQueue(ctx context.Context, sess *models.CallSession) *directory.Queue {
	if sess.QueueID == "" || s.queues == nil {
		return nil
	}
	q, err := s.queues.QueueByID(ctx, sess.QueueID)
	if err != nil {
		s.logger.Warn("queue lookup failed", "session_id", sess.ID, "queue_id", sess.QueueID, "error", err)
		return nil
	}
	if q == nil {
		s.logger.Warn("queue not found", "session_id", sess.ID, "queue_id", sess.QueueID)
	}
	return q
}

// isTerminalOutcome reports whether an outcome closes the callback.
func isTerminalOutcome(outcome string) bool {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "completed", "resolved":
		return true
	}
	return false
}

// HandleCallback applies an operator outcome. "completed" and "resolved"
// close the callback and its missed call; anything else counts an attempt.
// An unknown id is ErrNotFound whatever the outcome.
func (s *Scheduler) HandleCallback(ctx context.Context, id, outcome string) (*models.CallbackRequest, error) {
	outcome = strings.TrimSpace(outcome)

	var cb *models.CallbackRequest
	err := s.db.WithTx(ctx, func(st *database.Store) error {
		var err error
		cb, err = st.Callbacks.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cb == nil {
			return ErrNotFound
		}
		if outcome == "" {
			return ErrInvalidOutcome
		}

		now := s.now()
		cb.Outcome = outcome
		if isTerminalOutcome(outcome) {
			cb.Status = models.CallbackDone
			if err := st.MissedCalls.MarkHandled(ctx, cb.MissedCallID, now); err != nil {
				return err
			}
		} else {
			cb.Status = models.CallbackAttempting
			cb.AttemptsCount++
			cb.LastAttemptAt = &now
		}
		return st.Callbacks.Update(ctx, cb)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("callback updated",
		"callback_id", cb.ID,
		"status", cb.Status,
		"attempts", cb.AttemptsCount,
	)
	if err := s.sink.Notify(ctx, notify.Notification{Kind: notify.CallbackUpdated, Callback: cb}); err != nil {
		s.logger.Warn("callback update notification failed", "callback_id", cb.ID, "error", err)
	}
	return cb, nil
}

// GetCallback returns a callback by id.
func (s *Scheduler) GetCallback(ctx context.Context, id string) (*models.CallbackRequest, error) {
	cb, err := s.db.Store().Callbacks.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, ErrNotFound
	}
	return cb, nil
}

// CallbackQueue returns one page of callbacks, optionally filtered by
// status. Callbacks with a due time come first, earliest first; the rest
// follow by creation time.
func (s *Scheduler) CallbackQueue(ctx context.Context, status models.CallbackStatus, page, pageSize int) ([]models.CallbackRequest, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}
	return s.db.Store().Callbacks.List(ctx, database.CallbackListFilter{
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
		Status: string(status),
	})
}
