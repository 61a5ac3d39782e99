package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// missedCallRepo implements MissedCallRepository.
type missedCallRepo struct {
	q Querier
}

// NewMissedCallRepository creates a new MissedCallRepository.
func NewMissedCallRepository(q Querier) MissedCallRepository {
	return &missedCallRepo{q: q}
}

const missedCallColumns = `id, session_id, reason, status, queue_id, user_id,
	caller_number, created_at, handled_at`

// Create inserts a missed call unless the session already has one.
func (r *missedCallRepo) Create(ctx context.Context, mc *models.MissedCall) (bool, error) {
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = time.Now()
	}
	if mc.Status == "" {
		mc.Status = models.MissedStatusOpen
	}

	result, err := r.q.ExecContext(ctx,
		`INSERT INTO missed_calls (id, session_id, reason, status, queue_id, user_id,
		 caller_number, created_at, handled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		mc.ID, mc.SessionID, string(mc.Reason), mc.Status, mc.QueueID, mc.UserID,
		mc.CallerNumber, utc(mc.CreatedAt), utcPtr(mc.HandledAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting missed call: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByID returns a missed call by ID.
func (r *missedCallRepo) GetByID(ctx context.Context, id string) (*models.MissedCall, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+missedCallColumns+` FROM missed_calls WHERE id = ?`, id,
	))
}

// GetBySessionID returns the missed call of a session.
func (r *missedCallRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.MissedCall, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+missedCallColumns+` FROM missed_calls WHERE session_id = ?`, sessionID,
	))
}

// MarkHandled closes a missed call.
func (r *missedCallRepo) MarkHandled(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE missed_calls SET status = ?, handled_at = ? WHERE id = ?`,
		models.MissedStatusHandled, utc(at), id,
	)
	if err != nil {
		return fmt.Errorf("marking missed call handled: %w", err)
	}
	return nil
}

// scanOne scans a single missed call row. Returns nil, nil if not found.
func (r *missedCallRepo) scanOne(row *sql.Row) (*models.MissedCall, error) {
	var mc models.MissedCall
	err := row.Scan(&mc.ID, &mc.SessionID, (*string)(&mc.Reason), &mc.Status, &mc.QueueID,
		&mc.UserID, &mc.CallerNumber, &mc.CreatedAt, &mc.HandledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying missed call: %w", err)
	}
	return &mc, nil
}
