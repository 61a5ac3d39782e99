package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// qualityReviewRepo implements QualityReviewRepository.
type qualityReviewRepo struct {
	q Querier
}

// NewQualityReviewRepository creates a new QualityReviewRepository.
func NewQualityReviewRepository(q Querier) QualityReviewRepository {
	return &qualityReviewRepo{q: q}
}

// Create inserts a review unless the session already has one.
func (r *qualityReviewRepo) Create(ctx context.Context, review *models.QualityReview) (bool, error) {
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now()
	}
	if review.Status == "" {
		review.Status = "PENDING"
	}

	result, err := r.q.ExecContext(ctx,
		`INSERT INTO quality_reviews (id, session_id, recording_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		review.ID, review.SessionID, review.RecordingID, review.Status, utc(review.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting quality review: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// GetBySessionID returns the review of a session.
func (r *qualityReviewRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.QualityReview, error) {
	var review models.QualityReview
	err := r.q.QueryRowContext(ctx,
		`SELECT id, session_id, recording_id, status, created_at
		 FROM quality_reviews WHERE session_id = ?`, sessionID,
	).Scan(&review.ID, &review.SessionID, &review.RecordingID, &review.Status, &review.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying quality review: %w", err)
	}
	return &review, nil
}
