package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// callEventRepo implements CallEventRepository.
type callEventRepo struct {
	q Querier
}

// NewCallEventRepository creates a new CallEventRepository.
func NewCallEventRepository(q Querier) CallEventRepository {
	return &callEventRepo{q: q}
}

const callEventColumns = `id, event_type, timestamp, idempotency_key, payload,
	linked_id, unique_id, session_id, created_at, rowid`

// callEventOrder sorts events of a session oldest first; rowid breaks ties
// between events ingested with identical timestamps.
const callEventOrder = `timestamp, created_at, rowid`

// Create inserts a new event. A conflicting idempotency key leaves the
// existing row untouched and reports false.
func (r *callEventRepo) Create(ctx context.Context, ev *models.CallEvent) (bool, error) {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return false, fmt.Errorf("encoding event payload: %w", err)
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	result, err := r.q.ExecContext(ctx,
		`INSERT INTO call_events (id, event_type, timestamp, idempotency_key, payload,
		 linked_id, unique_id, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		ev.ID, string(ev.EventType), utc(ev.Timestamp), ev.IdempotencyKey, string(payload),
		ev.LinkedID, ev.UniqueID, nullString(ev.SessionID), utc(ev.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting call event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByIdempotencyKey returns an event by its idempotency key.
func (r *callEventRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.CallEvent, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+callEventColumns+` FROM call_events WHERE idempotency_key = ?`, key,
	))
}

// SetSession records the session an event was resolved to.
func (r *callEventRepo) SetSession(ctx context.Context, eventID, sessionID string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE call_events SET session_id = ? WHERE id = ?`, sessionID, eventID,
	)
	if err != nil {
		return fmt.Errorf("setting event session: %w", err)
	}
	return nil
}

// LatestBefore returns the newest matching event at or before the given time.
func (r *callEventRepo) LatestBefore(ctx context.Context, sessionID string, eventType models.EventType, before time.Time, excludeID string) (*models.CallEvent, error) {
	return r.scanOne(r.q.QueryRowContext(ctx,
		`SELECT `+callEventColumns+` FROM call_events
		 WHERE session_id = ? AND event_type = ? AND timestamp <= ? AND id != ?
		 ORDER BY timestamp DESC, created_at DESC, rowid DESC LIMIT 1`,
		sessionID, string(eventType), utc(before), excludeID,
	))
}

// ListBySession returns the events of a session in timestamp order.
func (r *callEventRepo) ListBySession(ctx context.Context, sessionID string) ([]models.CallEvent, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+callEventColumns+` FROM call_events
		 WHERE session_id = ? ORDER BY `+callEventOrder, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing session events: %w", err)
	}
	defer rows.Close()

	var events []models.CallEvent
	for rows.Next() {
		ev, err := scanCallEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call event row: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call event rows: %w", err)
	}
	return events, nil
}

// CompactBefore replaces old payloads of ended sessions with an empty object.
func (r *callEventRepo) CompactBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE call_events SET payload = '{}'
		 WHERE timestamp < ? AND payload != '{}'
		 AND session_id IN (SELECT id FROM call_sessions WHERE end_at IS NOT NULL)`,
		utc(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("compacting call events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// scanOne scans a single event row. Returns nil, nil if not found.
func (r *callEventRepo) scanOne(row *sql.Row) (*models.CallEvent, error) {
	ev, err := scanCallEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call event: %w", err)
	}
	return ev, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCallEvent(s scanner) (*models.CallEvent, error) {
	var ev models.CallEvent
	var eventType, payload string
	var sessionID sql.NullString
	if err := s.Scan(&ev.ID, &eventType, &ev.Timestamp, &ev.IdempotencyKey, &payload,
		&ev.LinkedID, &ev.UniqueID, &sessionID, &ev.CreatedAt, &ev.Seq); err != nil {
		return nil, err
	}
	ev.EventType = models.EventType(eventType)
	ev.SessionID = sessionID.String
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decoding event payload: %w", err)
		}
	}
	return &ev, nil
}

// nullString maps an empty string to NULL for nullable foreign keys.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
