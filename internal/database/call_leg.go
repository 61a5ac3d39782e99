package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// callLegRepo implements CallLegRepository.
type callLegRepo struct {
	q Querier
}

// NewCallLegRepository creates a new CallLegRepository.
func NewCallLegRepository(q Querier) CallLegRepository {
	return &callLegRepo{q: q}
}

// Create inserts a new leg.
func (r *callLegRepo) Create(ctx context.Context, leg *models.CallLeg) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO call_legs (id, session_id, type, user_id, extension, start_at,
		 answer_at, end_at, disposition)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		leg.ID, leg.SessionID, string(leg.Type), leg.UserID, leg.Extension,
		utc(leg.StartAt), utcPtr(leg.AnswerAt), utcPtr(leg.EndAt), string(leg.Disposition),
	)
	if err != nil {
		return fmt.Errorf("inserting call leg: %w", err)
	}
	return nil
}

// Update writes the mutable timing fields of a leg.
func (r *callLegRepo) Update(ctx context.Context, leg *models.CallLeg) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE call_legs SET user_id = ?, extension = ?, answer_at = ?, end_at = ?,
		 disposition = ? WHERE id = ?`,
		leg.UserID, leg.Extension, utcPtr(leg.AnswerAt), utcPtr(leg.EndAt),
		string(leg.Disposition), leg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call leg: %w", err)
	}
	return nil
}

// ListBySession returns the legs of a session ordered by start time.
func (r *callLegRepo) ListBySession(ctx context.Context, sessionID string) ([]models.CallLeg, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, session_id, type, user_id, extension, start_at, answer_at, end_at,
		 disposition FROM call_legs WHERE session_id = ? ORDER BY start_at, rowid`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call legs: %w", err)
	}
	defer rows.Close()

	var legs []models.CallLeg
	for rows.Next() {
		var l models.CallLeg
		if err := rows.Scan(&l.ID, &l.SessionID, (*string)(&l.Type), &l.UserID, &l.Extension,
			&l.StartAt, &l.AnswerAt, &l.EndAt, (*string)(&l.Disposition)); err != nil {
			return nil, fmt.Errorf("scanning call leg row: %w", err)
		}
		legs = append(legs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call leg rows: %w", err)
	}
	return legs, nil
}
