package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/calltrack/internal/stats"
)

// parseStatsRange reads from, to, queue_id and user_id.
func parseStatsRange(r *http.Request) (stats.Range, string) {
	q := r.URL.Query()
	from, to, errMsg := parseRange(q)
	if errMsg != "" {
		return stats.Range{}, errMsg
	}
	rng := stats.Range{
		From:    from,
		To:      to,
		QueueID: queryParam(q, "queue_id", "queueId"),
		UserID:  queryParam(q, "user_id", "userId"),
	}
	if errMsg := validateIdentifiers(rng.QueueID, rng.UserID); errMsg != "" {
		return stats.Range{}, errMsg
	}
	return rng, ""
}

// handleStatsOverview returns the KPI overview for a range, optionally
// compared with a second window.
// Query params: from, to (required), queue_id, user_id, compare_from, compare_to.
func (s *Server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	rng, errMsg := parseStatsRange(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	query := stats.OverviewQuery{Range: rng}
	if query.CompareFrom, errMsg = parseOptionalTime(q, "compare_from", "compare_from", "compareFrom"); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if query.CompareTo, errMsg = parseOptionalTime(q, "compare_to", "compare_to", "compareTo"); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if (query.CompareFrom == nil) != (query.CompareTo == nil) {
		writeError(w, http.StatusBadRequest, "compare_from and compare_to must be given together")
		return
	}

	overview, err := s.stats.Overview(r.Context(), query)
	if err != nil {
		s.writeStatsError(w, "stats overview", err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// handleStatsAgents returns per-agent statistics.
func (s *Server) handleStatsAgents(w http.ResponseWriter, r *http.Request) {
	rng, errMsg := parseStatsRange(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	agents, err := s.stats.AgentStats(r.Context(), rng)
	if err != nil {
		s.writeStatsError(w, "stats agents", err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleStatsQueues returns per-queue statistics.
func (s *Server) handleStatsQueues(w http.ResponseWriter, r *http.Request) {
	rng, errMsg := parseStatsRange(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	queues, err := s.stats.QueueStats(r.Context(), rng)
	if err != nil {
		s.writeStatsError(w, "stats queues", err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

// handleLookup returns CRM records and recent calls for a phone number.
// Query params: phone (required).
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	phone := queryParam(r.URL.Query(), "phone")
	if errMsg := validateRequiredStringLen("phone", phone, maxPhoneLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	result, err := s.stats.LookupPhone(r.Context(), phone)
	if err != nil {
		s.writeStatsError(w, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeStatsError maps aggregator errors to HTTP responses.
func (s *Server) writeStatsError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, stats.ErrInvalidRange), errors.Is(err, stats.ErrInvalidPhone):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+": failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
