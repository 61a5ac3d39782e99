package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/database/models"
)

// callResponse is the JSON response for a call session.
type callResponse struct {
	ID                string  `json:"id"`
	LinkedID          string  `json:"linked_id"`
	Direction         string  `json:"direction"`
	CallerNumber      string  `json:"caller_number"`
	CalleeNumber      string  `json:"callee_number"`
	DID               string  `json:"did,omitempty"`
	StartAt           string  `json:"start_at"`
	AnswerAt          *string `json:"answer_at"`
	EndAt             *string `json:"end_at"`
	Disposition       string  `json:"disposition,omitempty"`
	HangupCause       string  `json:"hangup_cause,omitempty"`
	QueueID           string  `json:"queue_id,omitempty"`
	AssignedUserID    string  `json:"assigned_user_id,omitempty"`
	AssignedExtension string  `json:"assigned_extension,omitempty"`
	RecordingStatus   string  `json:"recording_status"`
	UpdatedAt         string  `json:"updated_at"`
}

type legResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	UserID      string  `json:"user_id,omitempty"`
	Extension   string  `json:"extension,omitempty"`
	StartAt     string  `json:"start_at"`
	AnswerAt    *string `json:"answer_at"`
	EndAt       *string `json:"end_at"`
	Disposition string  `json:"disposition,omitempty"`
}

type metricsResponse struct {
	WaitSeconds          int   `json:"wait_seconds"`
	RingSeconds          int   `json:"ring_seconds"`
	TalkSeconds          int   `json:"talk_seconds"`
	HoldSeconds          int   `json:"hold_seconds"`
	WrapupSeconds        int   `json:"wrapup_seconds"`
	TransfersCount       int   `json:"transfers_count"`
	FirstResponseSeconds *int  `json:"first_response_seconds"`
	AbandonsAfterSeconds *int  `json:"abandons_after_seconds"`
	IsSLAMet             *bool `json:"is_sla_met"`
	SLAThresholdSeconds  int   `json:"sla_threshold_seconds"`
}

type missedCallResponse struct {
	ID        string  `json:"id"`
	Reason    string  `json:"reason"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
	HandledAt *string `json:"handled_at"`
}

type recordingResponse struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	DurationSeconds int    `json:"duration_seconds"`
	CreatedAt       string `json:"created_at"`
}

type reviewResponse struct {
	ID          string `json:"id"`
	RecordingID string `json:"recording_id"`
	Status      string `json:"status"`
}

// eventResponse is one raw event of a session timeline.
type eventResponse struct {
	ID             string         `json:"id"`
	EventType      string         `json:"event_type"`
	Timestamp      string         `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        models.Payload `json:"payload"`
}

// callDetailResponse is a session with everything derived from it.
type callDetailResponse struct {
	callResponse
	Events     []eventResponse     `json:"events"`
	Legs       []legResponse       `json:"legs"`
	Metrics    *metricsResponse    `json:"metrics"`
	MissedCall *missedCallResponse `json:"missed_call"`
	Callback   *callbackResponse   `json:"callback"`
	Recordings []recordingResponse `json:"recordings"`
	Review     *reviewResponse     `json:"review"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// toCallResponse converts a models.CallSession to the API response.
func toCallResponse(c *models.CallSession) callResponse {
	return callResponse{
		ID:                c.ID,
		LinkedID:          c.LinkedID,
		Direction:         string(c.Direction),
		CallerNumber:      c.CallerNumber,
		CalleeNumber:      c.CalleeNumber,
		DID:               c.DID,
		StartAt:           formatTime(c.StartAt),
		AnswerAt:          formatTimePtr(c.AnswerAt),
		EndAt:             formatTimePtr(c.EndAt),
		Disposition:       string(c.Disposition),
		HangupCause:       c.HangupCause,
		QueueID:           c.QueueID,
		AssignedUserID:    c.AssignedUserID,
		AssignedExtension: c.AssignedExtension,
		RecordingStatus:   c.RecordingStatus,
		UpdatedAt:         formatTime(c.UpdatedAt),
	}
}

func toLegResponse(l *models.CallLeg) legResponse {
	return legResponse{
		ID:          l.ID,
		Type:        string(l.Type),
		UserID:      l.UserID,
		Extension:   l.Extension,
		StartAt:     formatTime(l.StartAt),
		AnswerAt:    formatTimePtr(l.AnswerAt),
		EndAt:       formatTimePtr(l.EndAt),
		Disposition: string(l.Disposition),
	}
}

func toMetricsResponse(m *models.CallMetrics) *metricsResponse {
	if m == nil {
		return nil
	}
	return &metricsResponse{
		WaitSeconds:          m.WaitSeconds,
		RingSeconds:          m.RingSeconds,
		TalkSeconds:          m.TalkSeconds,
		HoldSeconds:          m.HoldSeconds,
		WrapupSeconds:        m.WrapupSeconds,
		TransfersCount:       m.TransfersCount,
		FirstResponseSeconds: m.FirstResponseSeconds,
		AbandonsAfterSeconds: m.AbandonsAfterSeconds,
		IsSLAMet:             m.IsSLAMet,
		SLAThresholdSeconds:  m.SLAThresholdSeconds,
	}
}

// handleListCalls returns sessions in a date range with pagination and
// optional filters.
// Query params: from, to (required), queue_id, user_id, disposition, search, page, page_size.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	from, to, errMsg := parseRange(q)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	filter := database.CallListFilter{
		Limit:       pg.PageSize,
		Offset:      pg.Offset(),
		From:        from,
		To:          to,
		QueueID:     queryParam(q, "queue_id", "queueId"),
		UserID:      queryParam(q, "user_id", "userId"),
		Disposition: queryParam(q, "disposition"),
		Search:      queryParam(q, "search"),
	}
	if errMsg := validateIdentifiers(filter.QueueID, filter.UserID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateDisposition(filter.Disposition); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateStringLen("search", filter.Search, maxSearchLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	sessions, total, err := s.db.Store().Sessions.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(sessions))
	for i := range sessions {
		items[i] = toCallResponse(&sessions[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:    items,
		Total:    total,
		Page:     pg.Page,
		PageSize: pg.PageSize,
	})
}

// handleGetCall returns a single session with its legs, metrics, missed call,
// callback, recordings and review.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if errMsg := validateRequiredStringLen("call id", id, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	st := s.db.Store()
	sess, err := st.Sessions.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("get call: failed to query", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	resp, err := s.callDetail(r, st, sess)
	if err != nil {
		s.logger.Error("get call: failed to load details", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) callDetail(r *http.Request, st *database.Store, sess *models.CallSession) (*callDetailResponse, error) {
	ctx := r.Context()
	resp := &callDetailResponse{
		callResponse: toCallResponse(sess),
		Events:       []eventResponse{},
		Legs:         []legResponse{},
		Recordings:   []recordingResponse{},
	}

	events, err := st.Events.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventResponse{
			ID:             ev.ID,
			EventType:      string(ev.EventType),
			Timestamp:      formatTime(ev.Timestamp),
			IdempotencyKey: ev.IdempotencyKey,
			Payload:        ev.Payload,
		})
	}

	legs, err := st.Legs.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for i := range legs {
		resp.Legs = append(resp.Legs, toLegResponse(&legs[i]))
	}

	m, err := st.Metrics.Get(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	resp.Metrics = toMetricsResponse(m)

	mc, err := st.MissedCalls.GetBySessionID(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if mc != nil {
		resp.MissedCall = &missedCallResponse{
			ID:        mc.ID,
			Reason:    string(mc.Reason),
			Status:    mc.Status,
			CreatedAt: formatTime(mc.CreatedAt),
			HandledAt: formatTimePtr(mc.HandledAt),
		}
		cb, err := st.Callbacks.GetByMissedCallID(ctx, mc.ID)
		if err != nil {
			return nil, err
		}
		if cb != nil {
			c := toCallbackResponse(cb)
			resp.Callback = &c
		}
	}

	recs, err := st.Recordings.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		resp.Recordings = append(resp.Recordings, recordingResponse{
			ID:              rec.ID,
			URL:             rec.URL,
			DurationSeconds: rec.DurationSeconds,
			CreatedAt:       formatTime(rec.CreatedAt),
		})
	}

	review, err := st.Reviews.GetBySessionID(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if review != nil {
		resp.Review = &reviewResponse{
			ID:          review.ID,
			RecordingID: review.RecordingID,
			Status:      review.Status,
		}
	}
	return resp, nil
}
