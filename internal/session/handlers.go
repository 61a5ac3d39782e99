package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flowpbx/calltrack/internal/callmetrics"
	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/notify"
)

// reviewMinDuration is the recording length in seconds above which an
// answered call gets a quality review placeholder.
const reviewMinDuration = 30

// handleCallStart creates the session and its CUSTOMER leg. A retransmitted
// call_start only refreshes the unique id.
func (r *Reconstructor) handleCallStart(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	if sess != nil {
		return r.refreshUniqueID(ctx, st, sess, ev)
	}

	p := ev.Payload
	sess = &models.CallSession{
		ID:           uuid.NewString(),
		LinkedID:     ev.LinkedID,
		UniqueID:     ev.UniqueID,
		CallerNumber: p.String("callerNumber", "from"),
		CalleeNumber: p.String("calleeNumber", "to"),
		DID:          p.String("did"),
		Context:      p.String("context"),
		StartAt:      ev.Timestamp,
	}
	sess.Direction = r.direction(ctx, p.String("direction"), sess.CallerNumber)

	created, err := st.Sessions.Create(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent call_start for the same linked id.
		existing, err := st.Sessions.GetByLinkedID(ctx, ev.LinkedID)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("session %s vanished after conflict", ev.LinkedID)
		}
		return r.refreshUniqueID(ctx, st, existing, ev)
	}

	leg := &models.CallLeg{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Type:      models.LegCustomer,
		StartAt:   ev.Timestamp,
	}
	if err := st.Legs.Create(ctx, leg); err != nil {
		return nil, err
	}

	r.logger.Debug("session started",
		"linked_id", sess.LinkedID,
		"session_id", sess.ID,
		"direction", sess.Direction,
	)
	return sess, nil
}

func (r *Reconstructor) refreshUniqueID(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent) (*models.CallSession, error) {
	if ev.UniqueID == "" || ev.UniqueID == sess.UniqueID {
		return sess, nil
	}
	sess.UniqueID = ev.UniqueID
	if err := st.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// direction returns the explicit direction if valid, otherwise OUT when the
// caller is a known extension and IN for everything else.
func (r *Reconstructor) direction(ctx context.Context, explicit, caller string) models.Direction {
	switch d := models.Direction(strings.ToUpper(explicit)); d {
	case models.DirectionIn, models.DirectionOut:
		return d
	}
	if r.knownExtension(ctx, caller) {
		return models.DirectionOut
	}
	return models.DirectionIn
}

// handleCallAnswer stamps the answer time on the session and on the open
// CUSTOMER leg. Earlier answers win.
func (r *Reconstructor) handleCallAnswer(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	if sess.AnswerAt == nil {
		ts := ev.Timestamp
		sess.AnswerAt = &ts
		if err := st.Sessions.Update(ctx, sess); err != nil {
			return nil, err
		}
	}

	legs, err := st.Legs.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for i := range legs {
		leg := &legs[i]
		if leg.Type != models.LegCustomer || !leg.Open() || leg.AnswerAt != nil {
			continue
		}
		ts := ev.Timestamp
		leg.AnswerAt = &ts
		if err := st.Legs.Update(ctx, leg); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// handleCallEnd terminates the session, closes its open legs, computes the
// metrics and hands unanswered sessions to the missed-call handler.
func (r *Reconstructor) handleCallEnd(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, out *notify.Outbox) (*models.CallSession, error) {
	ts := ev.Timestamp
	cause := ev.Payload.String("hangupCause", "cause")
	disposition := InferDisposition(cause)

	sess.EndAt = &ts
	sess.HangupCause = cause
	sess.Disposition = disposition
	if err := st.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	legs, err := st.Legs.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for i := range legs {
		leg := &legs[i]
		if !leg.Open() {
			continue
		}
		leg.EndAt = &ts
		leg.Disposition = disposition
		if err := st.Legs.Update(ctx, leg); err != nil {
			return nil, err
		}
	}

	metrics := callmetrics.Compute(sess, legs, r.slaThreshold)
	if err := st.Metrics.UpsertDerived(ctx, &metrics); err != nil {
		return nil, err
	}

	if disposition != models.DispositionAnswered && r.missed != nil {
		if err := r.missed.OnTerminal(ctx, st, sess, out); err != nil {
			return nil, fmt.Errorf("handling missed call: %w", err)
		}
	}

	snapshot := *sess
	out.Add(notify.Notification{Kind: notify.SessionEnded, Session: &snapshot})

	r.logger.Info("session ended",
		"linked_id", sess.LinkedID,
		"session_id", sess.ID,
		"disposition", disposition,
		"hangup_cause", cause,
	)
	return sess, nil
}

// handleQueueEnter records the queue the call entered.
func (r *Reconstructor) handleQueueEnter(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	name := ev.Payload.String("queue", "queueName")
	if name == "" || r.queues == nil {
		return sess, nil
	}

	q, err := r.queues.ResolveQueue(ctx, name)
	if err != nil {
		r.logger.Warn("queue lookup failed", "linked_id", ev.LinkedID, "queue", name, "error", err)
		return sess, nil
	}
	if q == nil {
		r.logger.Warn("queue not found", "linked_id", ev.LinkedID, "queue", name)
		return sess, nil
	}

	sess.QueueID = q.ID
	if err := st.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// handleAgentConnect opens an AGENT leg and assigns the session to the agent.
// Any AGENT or TRANSFER leg still open is closed first so that at most one is
// open at a time.
func (r *Reconstructor) handleAgentConnect(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	if err := r.closeAgentLegs(ctx, st, sess.ID, ev, ""); err != nil {
		return nil, err
	}

	ext := ev.Payload.String("extension", "agentExtension", "agent")
	uid := r.resolveUser(ctx, ev, ext)
	if err := r.openLeg(ctx, st, sess.ID, models.LegAgent, uid, ext, ev); err != nil {
		return nil, err
	}

	sess.AssignedUserID = uid
	sess.AssignedExtension = ext
	if err := st.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// handleTransfer closes the current AGENT or TRANSFER leg, opens a TRANSFER
// leg for the target and counts the transfer.
func (r *Reconstructor) handleTransfer(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	if err := r.closeAgentLegs(ctx, st, sess.ID, ev, models.DispositionTransferred); err != nil {
		return nil, err
	}

	ext := ev.Payload.String("targetExtension", "extension", "to")
	uid := r.resolveUser(ctx, ev, ext)
	if err := r.openLeg(ctx, st, sess.ID, models.LegTransfer, uid, ext, ev); err != nil {
		return nil, err
	}

	if err := st.Metrics.IncrementTransfers(ctx, sess.ID, r.slaThreshold); err != nil {
		return nil, err
	}

	sess.AssignedUserID = uid
	sess.AssignedExtension = ext
	if err := st.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}

	r.logger.Debug("call transferred", "linked_id", sess.LinkedID, "extension", ext)
	return sess, nil
}

func (r *Reconstructor) closeAgentLegs(ctx context.Context, st *database.Store, sessionID string, ev *models.CallEvent, disposition models.Disposition) error {
	legs, err := st.Legs.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for i := range legs {
		leg := &legs[i]
		if leg.Type == models.LegCustomer || !leg.Open() {
			continue
		}
		ts := ev.Timestamp
		leg.EndAt = &ts
		leg.Disposition = disposition
		if err := st.Legs.Update(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconstructor) openLeg(ctx context.Context, st *database.Store, sessionID string, typ models.LegType, uid, ext string, ev *models.CallEvent) error {
	ts := ev.Timestamp
	return st.Legs.Create(ctx, &models.CallLeg{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		UserID:    uid,
		Extension: ext,
		StartAt:   ts,
		AnswerAt:  &ts,
	})
}

// handleHoldEnd adds the span since the matching hold_start to the hold
// accumulator.
func (r *Reconstructor) handleHoldEnd(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	secs, ok, err := r.pairedSpan(ctx, st, sess.ID, ev, models.EventHoldStart, models.EventHoldEnd)
	if err != nil || !ok {
		return sess, err
	}
	if err := st.Metrics.AddHoldSeconds(ctx, sess.ID, secs, r.slaThreshold); err != nil {
		return nil, err
	}
	return sess, nil
}

// handleWrapupEnd adds the span since the matching wrapup_start to the
// wrapup accumulator.
func (r *Reconstructor) handleWrapupEnd(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	secs, ok, err := r.pairedSpan(ctx, st, sess.ID, ev, models.EventWrapupStart, models.EventWrapupEnd)
	if err != nil || !ok {
		return sess, err
	}
	if err := st.Metrics.AddWrapupSeconds(ctx, sess.ID, secs, r.slaThreshold); err != nil {
		return nil, err
	}
	return sess, nil
}

// pairedSpan finds the latest start event before ev and returns the elapsed
// seconds. A start already closed by an end that sorts after it does not
// pair again, so a resume and re-hold sharing a timestamp still opens a new
// span. ok is false when there is nothing to pair.
func (r *Reconstructor) pairedSpan(ctx context.Context, st *database.Store, sessionID string, ev *models.CallEvent, startType, endType models.EventType) (int, bool, error) {
	start, err := st.Events.LatestBefore(ctx, sessionID, startType, ev.Timestamp, ev.ID)
	if err != nil {
		return 0, false, err
	}
	if start == nil {
		r.logger.Debug("end event without start ignored", "linked_id", ev.LinkedID, "event_type", ev.EventType)
		return 0, false, nil
	}

	prevEnd, err := st.Events.LatestBefore(ctx, sessionID, endType, ev.Timestamp, ev.ID)
	if err != nil {
		return 0, false, err
	}
	if prevEnd != nil && prevEnd.After(start) {
		r.logger.Debug("end event without open start ignored", "linked_id", ev.LinkedID, "event_type", ev.EventType)
		return 0, false, nil
	}

	return callmetrics.Seconds(ev.Timestamp.Sub(start.Timestamp)), true, nil
}

// handleRecordingReady stores the recording and, for answered calls with a
// long enough recording, creates the quality review placeholder.
func (r *Reconstructor) handleRecordingReady(ctx context.Context, st *database.Store, sess *models.CallSession, ev *models.CallEvent, out *notify.Outbox) (*models.CallSession, error) {
	duration, _ := ev.Payload.Float("recordingDuration", "duration")
	rec := &models.Recording{
		ID:              uuid.NewString(),
		SessionID:       sess.ID,
		URL:             ev.Payload.String("recordingUrl", "url"),
		DurationSeconds: int(duration),
	}
	if err := st.Recordings.Create(ctx, rec); err != nil {
		return nil, err
	}

	sess.RecordingStatus = models.RecordingAvailable
	if err := st.Sessions.Update(ctx, sess); err != nil {
		return nil, err
	}
	snapshot := *sess
	out.Add(notify.Notification{Kind: notify.RecordingCreated, Session: &snapshot, Recording: rec})

	if sess.Disposition != models.DispositionAnswered || duration <= reviewMinDuration {
		return sess, nil
	}

	review := &models.QualityReview{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		RecordingID: rec.ID,
	}
	created, err := st.Reviews.Create(ctx, review)
	if err != nil {
		return nil, err
	}
	if created {
		out.Add(notify.Notification{Kind: notify.ReviewCreated, Session: &snapshot, Review: review})
	}
	return sess, nil
}

// handleNoop resolves the session for the event back-reference without
// changing state. Start-of-span events are paired later by their end event.
func (r *Reconstructor) handleNoop(_ context.Context, _ *database.Store, sess *models.CallSession, _ *models.CallEvent, _ *notify.Outbox) (*models.CallSession, error) {
	return sess, nil
}
