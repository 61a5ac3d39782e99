// Package session rebuilds call sessions and their legs from the stream of
// PBX events.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/calltrack/internal/callmetrics"
	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/directory"
	"github.com/flowpbx/calltrack/internal/notify"
)

// ExtensionResolver maps a PBX extension to an internal user id. An unknown
// extension resolves to "" without error.
type ExtensionResolver interface {
	ResolveExtension(ctx context.Context, extension string) (string, error)
}

// QueueResolver maps a queue name to a queue. An unknown name resolves to
// nil without error.
type QueueResolver interface {
	ResolveQueue(ctx context.Context, name string) (*directory.Queue, error)
}

// TerminalHandler is invoked inside the ingestion transaction when a session
// ends with a disposition other than ANSWERED.
type TerminalHandler interface {
	OnTerminal(ctx context.Context, st *database.Store, sess *models.CallSession, out *notify.Outbox) error
}

// handlerFunc applies one event to the session state. sess is nil when no
// session exists for the event's linked id yet.
type handlerFunc func(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, out *notify.Outbox) (*models.CallSession, error)

// Reconstructor applies events to call sessions. It holds no per-call state;
// everything lives in the store passed to Dispatch.
type Reconstructor struct {
	extensions   ExtensionResolver
	queues       QueueResolver
	missed       TerminalHandler
	slaThreshold int
	handlers     map[models.EventType]handlerFunc
	logger       *slog.Logger
}

// NewReconstructor creates a new Reconstructor. missed may be nil, in which
// case unanswered sessions produce no missed-call records.
func NewReconstructor(
	extensions ExtensionResolver,
	queues QueueResolver,
	missed TerminalHandler,
	slaThreshold int,
	logger *slog.Logger,
) *Reconstructor {
	if slaThreshold <= 0 {
		slaThreshold = callmetrics.DefaultSLAThreshold
	}
	r := &Reconstructor{
		extensions:   extensions,
		queues:       queues,
		missed:       missed,
		slaThreshold: slaThreshold,
		logger:       logger.With("subsystem", "session"),
	}
	r.handlers = map[models.EventType]handlerFunc{
		models.EventCallStart:      r.handleCallStart,
		models.EventCallAnswer:     r.handleCallAnswer,
		models.EventCallEnd:        r.handleCallEnd,
		models.EventQueueEnter:     r.handleQueueEnter,
		models.EventQueueLeave:     r.handleNoop,
		models.EventAgentConnect:   r.handleAgentConnect,
		models.EventTransfer:       r.handleTransfer,
		models.EventHoldStart:      r.handleNoop,
		models.EventHoldEnd:        r.handleHoldEnd,
		models.EventWrapupStart:    r.handleNoop,
		models.EventWrapupEnd:      r.handleWrapupEnd,
		models.EventRecordingReady: r.handleRecordingReady,
	}
	return r
}

// SLAThreshold returns the answer-time threshold used for metrics.
func (r *Reconstructor) SLAThreshold() int {
	return r.slaThreshold
}

// Dispatch applies ev to the session identified by its linked id, using st
// for all reads and writes so the caller controls the transaction. It returns
// the session the event was resolved to, or nil if there is none. Events that
// reference an unknown session are logged and ignored.
func (r *Reconstructor) Dispatch(ctx context.Context, st *database.Store, ev *models.CallEvent, out *notify.Outbox) (*models.CallSession, error) {
	if ev.LinkedID == "" {
		return nil, nil
	}

	handler, ok := r.handlers[ev.EventType]
	if !ok {
		return nil, fmt.Errorf("no handler for event type %q", ev.EventType)
	}

	sess, err := st.Sessions.GetByLinkedID(ctx, ev.LinkedID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if sess == nil && ev.EventType != models.EventCallStart {
		r.logger.Warn("event for unknown session ignored",
			"linked_id", ev.LinkedID,
			"event_type", ev.EventType,
			"idempotency_key", ev.IdempotencyKey,
		)
		return nil, nil
	}

	return handler(ctx, st, sess, ev, out)
}

// resolveUser resolves an extension and logs when it is unknown. Lookup
// errors are treated the same as a miss.
func (r *Reconstructor) resolveUser(ctx context.Context, ev *models.CallEvent, extension string) string {
	if extension == "" || r.extensions == nil {
		return ""
	}
	uid, err := r.extensions.ResolveExtension(ctx, extension)
	if err != nil {
		r.logger.Warn("extension lookup failed", "linked_id", ev.LinkedID, "extension", extension, "error", err)
		return ""
	}
	if uid == "" {
		r.logger.Warn("extension not found", "linked_id", ev.LinkedID, "extension", extension)
	}
	return uid
}

// knownExtension reports whether number resolves to a user, without logging.
func (r *Reconstructor) knownExtension(ctx context.Context, number string) bool {
	if number == "" || r.extensions == nil {
		return false
	}
	uid, err := r.extensions.ResolveExtension(ctx, number)
	return err == nil && uid != ""
}
