package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	q Querier
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(q Querier) RecordingRepository {
	return &recordingRepo{q: q}
}

// Create inserts a new recording.
func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO recordings (id, session_id, url, duration_seconds, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.URL, rec.DurationSeconds, utc(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// ListBySession returns the recordings of a session, oldest first.
func (r *recordingRepo) ListBySession(ctx context.Context, sessionID string) ([]models.Recording, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, session_id, url, duration_seconds, created_at
		 FROM recordings WHERE session_id = ? ORDER BY created_at, rowid`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.URL, &rec.DurationSeconds, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning recording row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording rows: %w", err)
	}
	return recs, nil
}
