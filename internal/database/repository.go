package database

import (
	"context"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// CallEventRepository stores ingested events. Events are never updated
// except for the session back-reference.
type CallEventRepository interface {
	// Create inserts the event unless one with the same idempotency key
	// exists. It reports whether the row was inserted.
	Create(ctx context.Context, ev *models.CallEvent) (bool, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.CallEvent, error)
	SetSession(ctx context.Context, eventID, sessionID string) error
	// LatestBefore returns the most recent event of the given type for the
	// session at or before the given time, ignoring excludeID.
	LatestBefore(ctx context.Context, sessionID string, eventType models.EventType, before time.Time, excludeID string) (*models.CallEvent, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.CallEvent, error)
	// CompactBefore clears the payload of events older than cutoff whose
	// session has ended. Rows and idempotency keys are kept.
	CompactBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CallSessionRepository manages call sessions.
type CallSessionRepository interface {
	// Create inserts the session unless one with the same linked id exists.
	// It reports whether the row was inserted.
	Create(ctx context.Context, s *models.CallSession) (bool, error)
	GetByID(ctx context.Context, id string) (*models.CallSession, error)
	GetByLinkedID(ctx context.Context, linkedID string) (*models.CallSession, error)
	Update(ctx context.Context, s *models.CallSession) error
	List(ctx context.Context, filter CallListFilter) ([]models.CallSession, int, error)
	ListWithMetrics(ctx context.Context, filter SessionRangeFilter) ([]models.SessionWithMetrics, error)
	RecentByCaller(ctx context.Context, numberSuffix string, limit int) ([]models.CallSession, error)
	CountOpen(ctx context.Context) (int64, error)
}

// CallLegRepository manages the legs of a session.
type CallLegRepository interface {
	Create(ctx context.Context, leg *models.CallLeg) error
	Update(ctx context.Context, leg *models.CallLeg) error
	ListBySession(ctx context.Context, sessionID string) ([]models.CallLeg, error)
}

// CallMetricsRepository manages derived per-session metrics.
type CallMetricsRepository interface {
	Get(ctx context.Context, sessionID string) (*models.CallMetrics, error)
	// UpsertDerived writes the fields computed at session end and keeps the
	// accumulated hold, wrapup and transfer values.
	UpsertDerived(ctx context.Context, m *models.CallMetrics) error
	AddHoldSeconds(ctx context.Context, sessionID string, seconds, slaThreshold int) error
	AddWrapupSeconds(ctx context.Context, sessionID string, seconds, slaThreshold int) error
	IncrementTransfers(ctx context.Context, sessionID string, slaThreshold int) error
}

// MissedCallRepository manages missed calls.
type MissedCallRepository interface {
	// Create inserts the missed call unless one exists for the session. It
	// reports whether the row was inserted.
	Create(ctx context.Context, mc *models.MissedCall) (bool, error)
	GetByID(ctx context.Context, id string) (*models.MissedCall, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.MissedCall, error)
	MarkHandled(ctx context.Context, id string, at time.Time) error
}

// CallbackRepository manages callback requests.
type CallbackRepository interface {
	// Create inserts the callback unless one exists for the missed call. It
	// reports whether the row was inserted.
	Create(ctx context.Context, cb *models.CallbackRequest) (bool, error)
	GetByID(ctx context.Context, id string) (*models.CallbackRequest, error)
	GetByMissedCallID(ctx context.Context, missedCallID string) (*models.CallbackRequest, error)
	Update(ctx context.Context, cb *models.CallbackRequest) error
	List(ctx context.Context, filter CallbackListFilter) ([]models.CallbackRequest, int, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.CallbackRequest, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error
	CountByStatus(ctx context.Context) (map[models.CallbackStatus]int64, error)
	CountCreated(ctx context.Context, from, to time.Time, queueID string) (int, error)
	CountCompleted(ctx context.Context, from, to time.Time, queueID string) (int, error)
}

// RecordingRepository manages call recordings.
type RecordingRepository interface {
	Create(ctx context.Context, rec *models.Recording) error
	ListBySession(ctx context.Context, sessionID string) ([]models.Recording, error)
}

// QualityReviewRepository manages quality review placeholders.
type QualityReviewRepository interface {
	// Create inserts the review unless one exists for the session. It
	// reports whether the row was inserted.
	Create(ctx context.Context, review *models.QualityReview) (bool, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.QualityReview, error)
}

// CallListFilter holds the query parameters for listing call sessions.
type CallListFilter struct {
	Limit       int
	Offset      int
	From        time.Time
	To          time.Time
	QueueID     string
	UserID      string
	Disposition string
	Search      string // matched against caller and callee numbers
}

// SessionRangeFilter selects sessions started in [From, To] for statistics.
type SessionRangeFilter struct {
	From    time.Time
	To      time.Time
	QueueID string
	UserID  string
}

// CallbackListFilter holds the query parameters for the callback queue.
type CallbackListFilter struct {
	Limit  int
	Offset int
	Status string
}

// Store groups the repositories bound to one connection or transaction.
type Store struct {
	Events      CallEventRepository
	Sessions    CallSessionRepository
	Legs        CallLegRepository
	Metrics     CallMetricsRepository
	MissedCalls MissedCallRepository
	Callbacks   CallbackRepository
	Recordings  RecordingRepository
	Reviews     QualityReviewRepository
}

// NewStore binds every repository to q.
func NewStore(q Querier) *Store {
	return &Store{
		Events:      NewCallEventRepository(q),
		Sessions:    NewCallSessionRepository(q),
		Legs:        NewCallLegRepository(q),
		Metrics:     NewCallMetricsRepository(q),
		MissedCalls: NewMissedCallRepository(q),
		Callbacks:   NewCallbackRepository(q),
		Recordings:  NewRecordingRepository(q),
		Reviews:     NewQualityReviewRepository(q),
	}
}

// utc normalises a time for storage so text comparisons stay ordered.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// utcPtr normalises an optional time for storage.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
