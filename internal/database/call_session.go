package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// callSessionRepo implements CallSessionRepository.
type callSessionRepo struct {
	q Querier
}

// NewCallSessionRepository creates a new CallSessionRepository.
func NewCallSessionRepository(q Querier) CallSessionRepository {
	return &callSessionRepo{q: q}
}

const callSessionColumns = `s.id, s.linked_id, s.unique_id, s.direction, s.caller_number,
	s.callee_number, s.did, s.context, s.start_at, s.answer_at, s.end_at,
	s.disposition, s.hangup_cause, s.queue_id, s.assigned_user_id,
	s.assigned_extension, s.recording_status, s.created_at, s.updated_at`

// Create inserts a new session. If a session with the same linked id
// already exists nothing is written and false is returned.
func (r *callSessionRepo) Create(ctx context.Context, s *models.CallSession) (bool, error) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.RecordingStatus == "" {
		s.RecordingStatus = models.RecordingNone
	}

	result, err := r.q.ExecContext(ctx,
		`INSERT INTO call_sessions (id, linked_id, unique_id, direction, caller_number,
		 callee_number, did, context, start_at, answer_at, end_at, disposition,
		 hangup_cause, queue_id, assigned_user_id, assigned_extension,
		 recording_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(linked_id) DO NOTHING`,
		s.ID, s.LinkedID, s.UniqueID, string(s.Direction), s.CallerNumber,
		s.CalleeNumber, s.DID, s.Context, utc(s.StartAt), utcPtr(s.AnswerAt),
		utcPtr(s.EndAt), string(s.Disposition), s.HangupCause, s.QueueID,
		s.AssignedUserID, s.AssignedExtension, s.RecordingStatus,
		utc(s.CreatedAt), utc(s.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting call session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByID returns a session by ID.
func (r *callSessionRepo) GetByID(ctx context.Context, id string) (*models.CallSession, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions s WHERE s.id = ?`, id,
	))
}

// GetByLinkedID returns a session by PBX linked id.
func (r *callSessionRepo) GetByLinkedID(ctx context.Context, linkedID string) (*models.CallSession, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions s WHERE s.linked_id = ?`, linkedID,
	))
}

// Update writes every mutable field of the session.
func (r *callSessionRepo) Update(ctx context.Context, s *models.CallSession) error {
	s.UpdatedAt = time.Now()
	_, err := r.q.ExecContext(ctx,
		`UPDATE call_sessions SET unique_id = ?, direction = ?, caller_number = ?,
		 callee_number = ?, did = ?, context = ?, answer_at = ?, end_at = ?,
		 disposition = ?, hangup_cause = ?, queue_id = ?, assigned_user_id = ?,
		 assigned_extension = ?, recording_status = ?, updated_at = ?
		 WHERE id = ?`,
		s.UniqueID, string(s.Direction), s.CallerNumber, s.CalleeNumber, s.DID,
		s.Context, utcPtr(s.AnswerAt), utcPtr(s.EndAt), string(s.Disposition),
		s.HangupCause, s.QueueID, s.AssignedUserID, s.AssignedExtension,
		s.RecordingStatus, utc(s.UpdatedAt), s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call session: %w", err)
	}
	return nil
}

// List returns sessions matching the filter, newest first, along with the
// total count.
func (r *callSessionRepo) List(ctx context.Context, filter CallListFilter) ([]models.CallSession, int, error) {
	where := "s.start_at >= ? AND s.start_at <= ?"
	args := []any{utc(filter.From), utc(filter.To)}

	if filter.QueueID != "" {
		where += " AND s.queue_id = ?"
		args = append(args, filter.QueueID)
	}
	if filter.UserID != "" {
		where += " AND s.assigned_user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Disposition != "" {
		where += " AND s.disposition = ?"
		args = append(args, filter.Disposition)
	}
	if filter.Search != "" {
		where += ` AND (s.caller_number LIKE ? ESCAPE '\' OR s.callee_number LIKE ? ESCAPE '\')`
		q := "%" + escapeLike(filter.Search) + "%"
		args = append(args, q, q)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_sessions s WHERE " + where
	if err := r.q.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call sessions: %w", err)
	}

	query := `SELECT ` + callSessionColumns + ` FROM call_sessions s WHERE ` + where +
		` ORDER BY s.start_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	sessions, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// ListWithMetrics returns every session started in the range together with
// its metrics row, if one exists.
func (r *callSessionRepo) ListWithMetrics(ctx context.Context, filter SessionRangeFilter) ([]models.SessionWithMetrics, error) {
	where := "s.start_at >= ? AND s.start_at <= ?"
	args := []any{utc(filter.From), utc(filter.To)}

	if filter.QueueID != "" {
		where += " AND s.queue_id = ?"
		args = append(args, filter.QueueID)
	}
	if filter.UserID != "" {
		where += " AND s.assigned_user_id = ?"
		args = append(args, filter.UserID)
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+callSessionColumns+`,
		 m.session_id, m.wait_seconds, m.ring_seconds, m.talk_seconds, m.hold_seconds,
		 m.wrapup_seconds, m.transfers_count, m.first_response_seconds,
		 m.abandons_after_seconds, m.is_sla_met, m.sla_threshold_seconds, m.computed_at
		 FROM call_sessions s
		 LEFT JOIN call_metrics m ON m.session_id = s.id
		 WHERE `+where+` ORDER BY s.start_at`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions with metrics: %w", err)
	}
	defer rows.Close()

	var out []models.SessionWithMetrics
	for rows.Next() {
		var sm models.SessionWithMetrics
		var (
			metricsID                          sql.NullString
			wait, ring, talk, hold, wrap, xfer sql.NullInt64
			threshold                          sql.NullInt64
			m                                  models.CallMetrics
		)
		dest := sessionDest(&sm.Session)
		dest = append(dest, &metricsID, &wait, &ring, &talk, &hold, &wrap, &xfer,
			&m.FirstResponseSeconds, &m.AbandonsAfterSeconds, &m.IsSLAMet,
			&threshold, &m.ComputedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning session metrics row: %w", err)
		}
		finishSession(&sm.Session)
		if metricsID.Valid {
			m.SessionID = metricsID.String
			m.WaitSeconds = int(wait.Int64)
			m.RingSeconds = int(ring.Int64)
			m.TalkSeconds = int(talk.Int64)
			m.HoldSeconds = int(hold.Int64)
			m.WrapupSeconds = int(wrap.Int64)
			m.TransfersCount = int(xfer.Int64)
			m.SLAThresholdSeconds = int(threshold.Int64)
			sm.Metrics = &m
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session metrics rows: %w", err)
	}
	return out, nil
}

// RecentByCaller returns the newest sessions whose caller number ends with
// the given digits.
func (r *callSessionRepo) RecentByCaller(ctx context.Context, numberSuffix string, limit int) ([]models.CallSession, error) {
	return r.query(ctx,
		`SELECT `+callSessionColumns+` FROM call_sessions s
		 WHERE s.caller_number LIKE ? ESCAPE '\' ORDER BY s.start_at DESC LIMIT ?`,
		"%"+escapeLike(numberSuffix), limit,
	)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// escapeLike makes s match literally inside a LIKE pattern using '\' as the
// escape character.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// CountOpen returns the number of sessions that have not ended.
func (r *callSessionRepo) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_sessions WHERE end_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting open sessions: %w", err)
	}
	return n, nil
}

func (r *callSessionRepo) query(ctx context.Context, query string, args ...any) ([]models.CallSession, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing call sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.CallSession
	for rows.Next() {
		var s models.CallSession
		if err := rows.Scan(sessionDest(&s)...); err != nil {
			return nil, fmt.Errorf("scanning call session row: %w", err)
		}
		finishSession(&s)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call session rows: %w", err)
	}
	return sessions, nil
}

// scanOne scans a single session row. Returns nil, nil if not found.
func (r *callSessionRepo) scanOne(row *sql.Row) (*models.CallSession, error) {
	var s models.CallSession
	err := row.Scan(sessionDest(&s)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call session: %w", err)
	}
	finishSession(&s)
	return &s, nil
}

// sessionDest returns scan destinations matching callSessionColumns. Typed
// string fields are scanned through their underlying string.
func sessionDest(s *models.CallSession) []any {
	return []any{
		&s.ID, &s.LinkedID, &s.UniqueID, (*string)(&s.Direction), &s.CallerNumber,
		&s.CalleeNumber, &s.DID, &s.Context, &s.StartAt, &s.AnswerAt, &s.EndAt,
		(*string)(&s.Disposition), &s.HangupCause, &s.QueueID, &s.AssignedUserID,
		&s.AssignedExtension, &s.RecordingStatus, &s.CreatedAt, &s.UpdatedAt,
	}
}

// finishSession is a hook for post-scan normalisation.
func finishSession(s *models.CallSession) {
	if s.RecordingStatus == "" {
		s.RecordingStatus = models.RecordingNone
	}
}
