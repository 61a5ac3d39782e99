package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// callMetricsRepo implements CallMetricsRepository.
type callMetricsRepo struct {
	q Querier
}

// NewCallMetricsRepository creates a new CallMetricsRepository.
func NewCallMetricsRepository(q Querier) CallMetricsRepository {
	return &callMetricsRepo{q: q}
}

// Get returns the metrics of a session. Returns nil, nil if none exist.
func (r *callMetricsRepo) Get(ctx context.Context, sessionID string) (*models.CallMetrics, error) {
	var m models.CallMetrics
	err := r.q.QueryRowContext(ctx,
		`SELECT session_id, wait_seconds, ring_seconds, talk_seconds, hold_seconds,
		 wrapup_seconds, transfers_count, first_response_seconds, abandons_after_seconds,
		 is_sla_met, sla_threshold_seconds, computed_at
		 FROM call_metrics WHERE session_id = ?`, sessionID,
	).Scan(&m.SessionID, &m.WaitSeconds, &m.RingSeconds, &m.TalkSeconds, &m.HoldSeconds,
		&m.WrapupSeconds, &m.TransfersCount, &m.FirstResponseSeconds, &m.AbandonsAfterSeconds,
		&m.IsSLAMet, &m.SLAThresholdSeconds, &m.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call metrics: %w", err)
	}
	return &m, nil
}

// UpsertDerived writes the end-of-call fields. Accumulated hold, wrapup and
// transfer values of an existing row are preserved.
func (r *callMetricsRepo) UpsertDerived(ctx context.Context, m *models.CallMetrics) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO call_metrics (session_id, wait_seconds, ring_seconds, talk_seconds,
		 first_response_seconds, abandons_after_seconds, is_sla_met,
		 sla_threshold_seconds, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   wait_seconds = excluded.wait_seconds,
		   ring_seconds = excluded.ring_seconds,
		   talk_seconds = excluded.talk_seconds,
		   first_response_seconds = excluded.first_response_seconds,
		   abandons_after_seconds = excluded.abandons_after_seconds,
		   is_sla_met = excluded.is_sla_met,
		   sla_threshold_seconds = excluded.sla_threshold_seconds,
		   computed_at = excluded.computed_at`,
		m.SessionID, m.WaitSeconds, m.RingSeconds, m.TalkSeconds,
		m.FirstResponseSeconds, m.AbandonsAfterSeconds, m.IsSLAMet,
		m.SLAThresholdSeconds, utcPtr(m.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting call metrics: %w", err)
	}
	return nil
}

// AddHoldSeconds adds to the accumulated hold time, creating the row if needed.
func (r *callMetricsRepo) AddHoldSeconds(ctx context.Context, sessionID string, seconds, slaThreshold int) error {
	return r.accumulate(ctx, "hold_seconds", sessionID, seconds, slaThreshold)
}

// AddWrapupSeconds adds to the accumulated wrapup time, creating the row if needed.
func (r *callMetricsRepo) AddWrapupSeconds(ctx context.Context, sessionID string, seconds, slaThreshold int) error {
	return r.accumulate(ctx, "wrapup_seconds", sessionID, seconds, slaThreshold)
}

// IncrementTransfers counts one transfer, creating the row if needed.
func (r *callMetricsRepo) IncrementTransfers(ctx context.Context, sessionID string, slaThreshold int) error {
	return r.accumulate(ctx, "transfers_count", sessionID, 1, slaThreshold)
}

// accumulate adds delta to column. column is always one of the fixed names
// passed by the methods above.
func (r *callMetricsRepo) accumulate(ctx context.Context, column, sessionID string, delta, slaThreshold int) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO call_metrics (session_id, `+column+`, sla_threshold_seconds)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET `+column+` = `+column+` + excluded.`+column,
		sessionID, delta, slaThreshold,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	return nil
}
