package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// callbackRepo implements CallbackRepository.
type callbackRepo struct {
	q Querier
}

// NewCallbackRepository creates a new CallbackRepository.
func NewCallbackRepository(q Querier) CallbackRepository {
	return &callbackRepo{q: q}
}

const callbackSelect = `SELECT c.id, c.missed_call_id, c.status, c.scheduled_at,
	c.attempts_count, c.last_attempt_at, c.outcome, c.notified_at, c.created_at,
	c.updated_at, m.session_id, m.caller_number, m.queue_id, m.reason
	FROM callback_requests c
	JOIN missed_calls m ON m.id = c.missed_call_id`

// callbackOrder puts scheduled callbacks first by due time, then unscheduled
// ones by age.
const callbackOrder = ` ORDER BY c.scheduled_at IS NULL, c.scheduled_at, c.created_at`

// Create inserts a callback unless the missed call already has one.
func (r *callbackRepo) Create(ctx context.Context, cb *models.CallbackRequest) (bool, error) {
	now := time.Now()
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	cb.UpdatedAt = now
	if cb.Status == "" {
		cb.Status = models.CallbackPending
	}

	result, err := r.q.ExecContext(ctx,
		`INSERT INTO callback_requests (id, missed_call_id, status, scheduled_at,
		 attempts_count, last_attempt_at, outcome, notified_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(missed_call_id) DO NOTHING`,
		cb.ID, cb.MissedCallID, string(cb.Status), utcPtr(cb.ScheduledAt),
		cb.AttemptsCount, utcPtr(cb.LastAttemptAt), cb.Outcome, utcPtr(cb.NotifiedAt),
		utc(cb.CreatedAt), utc(cb.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting callback request: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByID returns a callback by ID.
func (r *callbackRepo) GetByID(ctx context.Context, id string) (*models.CallbackRequest, error) {
	return r.scanOne(r.q.QueryRowContext(ctx, callbackSelect+` WHERE c.id = ?`, id))
}

// GetByMissedCallID returns the callback of a missed call.
func (r *callbackRepo) GetByMissedCallID(ctx context.Context, missedCallID string) (*models.CallbackRequest, error) {
	return r.scanOne(r.q.QueryRowContext(ctx, callbackSelect+` WHERE c.missed_call_id = ?`, missedCallID))
}

// Update writes the mutable fields of a callback.
func (r *callbackRepo) Update(ctx context.Context, cb *models.CallbackRequest) error {
	cb.UpdatedAt = time.Now()
	_, err := r.q.ExecContext(ctx,
		`UPDATE callback_requests SET status = ?, scheduled_at = ?, attempts_count = ?,
		 last_attempt_at = ?, outcome = ?, notified_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(cb.Status), utcPtr(cb.ScheduledAt), cb.AttemptsCount,
		utcPtr(cb.LastAttemptAt), cb.Outcome, utcPtr(cb.NotifiedAt), utc(cb.UpdatedAt), cb.ID,
	)
	if err != nil {
		return fmt.Errorf("updating callback request: %w", err)
	}
	return nil
}

// List returns callbacks in queue order along with the total count.
func (r *callbackRepo) List(ctx context.Context, filter CallbackListFilter) ([]models.CallbackRequest, int, error) {
	where := ""
	var args []any
	if filter.Status != "" {
		where = " WHERE c.status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM callback_requests c`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting callback requests: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	callbacks, err := r.query(ctx, callbackSelect+where+callbackOrder+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return callbacks, total, nil
}

// ListDue returns scheduled callbacks whose time has come and that have not
// been announced yet.
func (r *callbackRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]models.CallbackRequest, error) {
	return r.query(ctx,
		callbackSelect+` WHERE c.status = ? AND c.scheduled_at IS NOT NULL
		 AND c.scheduled_at <= ? AND c.notified_at IS NULL`+callbackOrder+` LIMIT ?`,
		string(models.CallbackScheduled), utc(now), limit,
	)
}

// MarkNotified records that a due callback was announced.
func (r *callbackRepo) MarkNotified(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE callback_requests SET notified_at = ?, updated_at = ? WHERE id = ?`,
		utc(at), utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("marking callback notified: %w", err)
	}
	return nil
}

// CountByStatus returns the number of callbacks per status.
func (r *callbackRepo) CountByStatus(ctx context.Context) (map[models.CallbackStatus]int64, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM callback_requests GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("counting callbacks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CallbackStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning callback status count: %w", err)
		}
		counts[models.CallbackStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating callback status counts: %w", err)
	}
	return counts, nil
}

// CountCreated counts callbacks created in [from, to].
func (r *callbackRepo) CountCreated(ctx context.Context, from, to time.Time, queueID string) (int, error) {
	return r.count(ctx, `c.created_at >= ? AND c.created_at <= ?`, from, to, queueID)
}

// CountCompleted counts callbacks completed in [from, to], judged by their
// last update.
func (r *callbackRepo) CountCompleted(ctx context.Context, from, to time.Time, queueID string) (int, error) {
	return r.count(ctx,
		`c.status = '`+string(models.CallbackDone)+`' AND c.updated_at >= ? AND c.updated_at <= ?`,
		from, to, queueID)
}

func (r *callbackRepo) count(ctx context.Context, where string, from, to time.Time, queueID string) (int, error) {
	args := []any{utc(from), utc(to)}
	if queueID != "" {
		where += " AND m.queue_id = ?"
		args = append(args, queueID)
	}

	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM callback_requests c
		 JOIN missed_calls m ON m.id = c.missed_call_id WHERE `+where, args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting callback requests: %w", err)
	}
	return n, nil
}

func (r *callbackRepo) query(ctx context.Context, query string, args ...any) ([]models.CallbackRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing callback requests: %w", err)
	}
	defer rows.Close()

	var callbacks []models.CallbackRequest
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning callback request row: %w", err)
		}
		callbacks = append(callbacks, *cb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating callback request rows: %w", err)
	}
	return callbacks, nil
}

// scanOne scans a single callback row. Returns nil, nil if not found.
func (r *callbackRepo) scanOne(row *sql.Row) (*models.CallbackRequest, error) {
	cb, err := scanCallback(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying callback request: %w", err)
	}
	return cb, nil
}

func scanCallback(s scanner) (*models.CallbackRequest, error) {
	var cb models.CallbackRequest
	err := s.Scan(&cb.ID, &cb.MissedCallID, (*string)(&cb.Status), &cb.ScheduledAt,
		&cb.AttemptsCount, &cb.LastAttemptAt, &cb.Outcome, &cb.NotifiedAt, &cb.CreatedAt,
		&cb.UpdatedAt, &cb.SessionID, &cb.CallerNumber, &cb.QueueID, (*string)(&cb.Reason))
	if err != nil {
		return nil, err
	}
	return &cb, nil
}
