package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/calltrack/internal/api/middleware"
	"github.com/flowpbx/calltrack/internal/callback"
	"github.com/flowpbx/calltrack/internal/database/models"
)

// callbackResponse is the JSON response for a callback request.
type callbackResponse struct {
	ID            string  `json:"id"`
	MissedCallID  string  `json:"missed_call_id"`
	SessionID     string  `json:"session_id"`
	CallerNumber  string  `json:"caller_number"`
	QueueID       string  `json:"queue_id,omitempty"`
	Reason        string  `json:"reason"`
	Status        string  `json:"status"`
	ScheduledAt   *string `json:"scheduled_at"`
	AttemptsCount int     `json:"attempts_count"`
	LastAttemptAt *string `json:"last_attempt_at"`
	Outcome       string  `json:"outcome,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// toCallbackResponse converts a models.CallbackRequest to the API response.
func toCallbackResponse(cb *models.CallbackRequest) callbackResponse {
	return callbackResponse{
		ID:            cb.ID,
		MissedCallID:  cb.MissedCallID,
		SessionID:     cb.SessionID,
		CallerNumber:  cb.CallerNumber,
		QueueID:       cb.QueueID,
		Reason:        string(cb.Reason),
		Status:        string(cb.Status),
		ScheduledAt:   formatTimePtr(cb.ScheduledAt),
		AttemptsCount: cb.AttemptsCount,
		LastAttemptAt: formatTimePtr(cb.LastAttemptAt),
		Outcome:       cb.Outcome,
		CreatedAt:     formatTime(cb.CreatedAt),
		UpdatedAt:     formatTime(cb.UpdatedAt),
	}
}

// handleListCallbacks returns the callback queue: callbacks with a due time
// first, earliest first, then the rest by creation time.
// Query params: status, page, page_size.
func (s *Server) handleListCallbacks(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	status := models.CallbackStatus(strings.ToUpper(queryParam(r.URL.Query(), "status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of PENDING, SCHEDULED, ATTEMPTING, DONE")
		return
	}

	cbs, total, err := s.callbacks.CallbackQueue(r.Context(), status, pg.Page, pg.PageSize)
	if err != nil {
		s.logger.Error("list callbacks: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callbackResponse, len(cbs))
	for i := range cbs {
		items[i] = toCallbackResponse(&cbs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:    items,
		Total:    total,
		Page:     pg.Page,
		PageSize: pg.PageSize,
	})
}

// handleGetCallback returns a single callback by ID.
func (s *Server) handleGetCallback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cb, err := s.callbacks.GetCallback(r.Context(), id)
	if err != nil {
		s.writeCallbackError(w, "get callback", id, err)
		return
	}
	writeJSON(w, http.StatusOK, toCallbackResponse(cb))
}

type callbackOutcomeRequest struct {
	Outcome string `json:"outcome"`
}

// handleCallbackOutcome records the result of a callback attempt. The
// outcomes "completed" and "resolved" close the callback.
func (s *Server) handleCallbackOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req callbackOutcomeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	// An empty outcome is rejected by the scheduler once the callback is
	// known to exist.
	req.Outcome = strings.TrimSpace(req.Outcome)
	if errMsg := validateStringLen("outcome", req.Outcome, maxOutcomeLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if containsControlChars(req.Outcome) {
		writeError(w, http.StatusBadRequest, "outcome contains invalid characters")
		return
	}

	cb, err := s.callbacks.HandleCallback(r.Context(), id, req.Outcome)
	if err != nil {
		s.writeCallbackError(w, "callback outcome", id, err)
		return
	}

	handledBy := "anonymous"
	if op := middleware.OperatorFromContext(r.Context()); op != nil {
		handledBy = op.UserID
	}
	s.logger.Info("callback outcome recorded",
		"callback_id", cb.ID,
		"outcome", cb.Outcome,
		"status", cb.Status,
		"operator", handledBy,
	)
	writeJSON(w, http.StatusOK, toCallbackResponse(cb))
}

// writeCallbackError maps scheduler errors to HTTP responses.
func (s *Server) writeCallbackError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, callback.ErrNotFound):
		writeError(w, http.StatusNotFound, "callback not found")
	case errors.Is(err, callback.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+": failed", "error", err, "callback_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
