// Package ingest is the entry point for PBX event batches. Each event is
// deduplicated by its idempotency key, stored and applied to its call
// session in a single transaction.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/notify"
	"github.com/flowpbx/calltrack/internal/session"
)

// EventItem is one event as delivered by the PBX.
type EventItem struct {
	EventType      string         `json:"eventType"`
	Timestamp      string         `json:"timestamp"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        models.Payload `json:"payload"`
	LinkedID       string         `json:"linkedId,omitempty"`
	UniqueID       string         `json:"uniqueId,omitempty"`
}

// ItemError reports why one event of a batch was rejected.
type ItemError struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Message        string `json:"message"`
}

// BatchResult summarises a batch. Every item is counted exactly once.
type BatchResult struct {
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors"`
}

// Counts holds per event type totals since start.
type Counts struct {
	Processed int64
	Skipped   int64
	Failed    int64
}

// unknownType is the counter key for items with an unsupported event type.
const unknownType models.EventType = "unknown"

// errDuplicate aborts the item transaction when the idempotency key was
// already seen.
var errDuplicate = errors.New("duplicate event")

// Processor ingests event batches.
type Processor struct {
	db     *database.DB
	recon  *session.Reconstructor
	sink   notify.Sink
	logger *slog.Logger

	mu     sync.Mutex
	totals map[models.EventType]Counts
}

// NewProcessor creates a new Processor. Notifications produced by an event
// are delivered to sink after its transaction commits; sink may be nil.
func NewProcessor(db *database.DB, recon *session.Reconstructor, sink notify.Sink, logger *slog.Logger) *Processor {
	if sink == nil {
		sink = notify.Discard
	}
	return &Processor{
		db:     db,
		recon:  recon,
		sink:   sink,
		logger: logger.With("subsystem", "ingest"),
		totals: make(map[models.EventType]Counts),
	}
}

// IngestBatch processes items in order. A failing item is reported in the
// result and does not affect the others.
func (p *Processor) IngestBatch(ctx context.Context, items []EventItem) BatchResult {
	result := BatchResult{Errors: []ItemError{}}
	for i := range items {
		p.apply(ctx, &items[i], &result)
	}
	p.logBatch(len(items), result)
	return result
}

// IngestRaw decodes and processes each element of a JSON array in order.
// An element that does not decode as an event is rejected on its own.
func (p *Processor) IngestRaw(ctx context.Context, raw []json.RawMessage) BatchResult {
	result := BatchResult{Errors: []ItemError{}}
	for _, msg := range raw {
		var item EventItem
		if err := json.Unmarshal(msg, &item); err != nil {
			p.reject(&result, &item, fmt.Errorf("malformed event: %w", err))
			continue
		}
		p.apply(ctx, &item, &result)
	}
	p.logBatch(len(raw), result)
	return result
}

// apply ingests one item and records its outcome in result.
func (p *Processor) apply(ctx context.Context, item *EventItem, result *BatchResult) {
	skipped, err := p.ingest(ctx, item)
	typ := eventTypeKey(item.EventType)

	switch {
	case err != nil:
		p.reject(result, item, err)
	case skipped:
		result.Skipped++
		p.count(typ, func(c *Counts) { c.Skipped++ })
	default:
		result.Processed++
		p.count(typ, func(c *Counts) { c.Processed++ })
	}
}

func (p *Processor) reject(result *BatchResult, item *EventItem, err error) {
	result.Errors = append(result.Errors, ItemError{
		IdempotencyKey: item.IdempotencyKey,
		Message:        err.Error(),
	})
	p.count(eventTypeKey(item.EventType), func(c *Counts) { c.Failed++ })
	p.logger.Warn("event rejected",
		"idempotency_key", item.IdempotencyKey,
		"event_type", item.EventType,
		"linked_id", item.LinkedID,
		"error", err,
	)
}

func (p *Processor) logBatch(items int, result BatchResult) {
	p.logger.Debug("batch ingested",
		"items", items,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
}

// eventTypeKey returns the counter key for a raw event type.
func eventTypeKey(raw string) models.EventType {
	typ := models.EventType(raw)
	if !typ.Valid() {
		return unknownType
	}
	return typ
}

// ingest handles one item. It reports skipped for a known idempotency key.
func (p *Processor) ingest(ctx context.Context, item *EventItem) (skipped bool, err error) {
	ev, err := toEvent(item)
	if err != nil {
		return false, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic while applying event",
				"idempotency_key", item.IdempotencyKey,
				"panic", rec,
			)
			skipped, err = false, fmt.Errorf("internal error applying event")
		}
	}()

	out := &notify.Outbox{}
	err = p.db.WithTx(ctx, func(st *database.Store) error {
		created, err := st.Events.Create(ctx, ev)
		if err != nil {
			return err
		}
		if !created {
			p.checkKeyReuse(ctx, st, ev)
			return errDuplicate
		}

		if ev.LinkedID == "" {
			p.logger.Warn("event without linked id stored without session effects",
				"idempotency_key", ev.IdempotencyKey,
				"event_type", ev.EventType,
			)
			return nil
		}

		sess, err := p.recon.Dispatch(ctx, st, ev, out)
		if err != nil {
			return err
		}
		if sess != nil {
			if err := st.Events.SetSession(ctx, ev.ID, sess.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if err := out.Flush(ctx, p.sink); err != nil {
		p.logger.Warn("notification delivery failed",
			"idempotency_key", ev.IdempotencyKey,
			"error", err,
		)
	}
	return false, nil
}

// checkKeyReuse warns when a skipped duplicate does not describe the stored
// event, which means the PBX reused an idempotency key. The item is still
// skipped.
func (p *Processor) checkKeyReuse(ctx context.Context, st *database.Store, ev *models.CallEvent) {
	stored, err := st.Events.GetByIdempotencyKey(ctx, ev.IdempotencyKey)
	if err != nil || stored == nil {
		return
	}
	if stored.EventType == ev.EventType && stored.LinkedID == ev.LinkedID && stored.Timestamp.Equal(ev.Timestamp) {
		return
	}
	p.logger.Warn("idempotency key reused by a different event",
		"idempotency_key", ev.IdempotencyKey,
		"stored_event_type", stored.EventType,
		"event_type", ev.EventType,
		"stored_linked_id", stored.LinkedID,
		"linked_id", ev.LinkedID,
	)
}

// toEvent validates an item and converts it to a CallEvent.
func toEvent(item *EventItem) (*models.CallEvent, error) {
	typ := models.EventType(strings.TrimSpace(item.EventType))
	if !typ.Valid() {
		return nil, fmt.Errorf("unsupported eventType %q", item.EventType)
	}
	key := strings.TrimSpace(item.IdempotencyKey)
	if key == "" {
		return nil, errors.New("idempotencyKey is required")
	}
	ts, err := ParseTimestamp(item.Timestamp)
	if err != nil {
		return nil, err
	}

	return &models.CallEvent{
		ID:             uuid.NewString(),
		EventType:      typ,
		Timestamp:      ts,
		IdempotencyKey: key,
		Payload:        item.Payload,
		LinkedID:       strings.TrimSpace(item.LinkedID),
		UniqueID:       strings.TrimSpace(item.UniqueID),
	}, nil
}

// timestampLayouts are tried in order. Layouts without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", s)
}

func (p *Processor) count(typ models.EventType, fn func(*Counts)) {
	p.mu.Lock()
	c := p.totals[typ]
	fn(&c)
	p.totals[typ] = c
	p.mu.Unlock()
}

// Totals returns a snapshot of the per event type counters.
func (p *Processor) Totals() map[models.EventType]Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[models.EventType]Counts, len(p.totals))
	for k, v := range p.totals {
		out[k] = v
	}
	return out
}
