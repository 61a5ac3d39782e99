package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/calltrack/internal/database/models"
)

// systemStatusResponse is the shape returned by GET /system/status.
type systemStatusResponse struct {
	Stats  systemStatsResponse `json:"stats"`
	Uptime uptimeResponse      `json:"uptime"`
}

type systemStatsResponse struct {
	OpenSessions int64            `json:"open_sessions"`
	Callbacks    map[string]int64 `json:"callbacks"`
	LiveClients  int              `json:"live_clients"`
	Queues       int              `json:"queues"`
	Users        int              `json:"users"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleSystemStatus returns open session and callback counts, connected
// live clients, directory sizes and uptime.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.db.Store()

	stats := systemStatsResponse{Callbacks: map[string]int64{}}

	open, err := st.Sessions.CountOpen(ctx)
	if err != nil {
		s.logger.Error("system status: failed to count open sessions", "error", err)
	} else {
		stats.OpenSessions = open
	}

	counts, err := st.Callbacks.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("system status: failed to count callbacks", "error", err)
	} else {
		for _, status := range []models.CallbackStatus{
			models.CallbackPending, models.CallbackScheduled,
			models.CallbackAttempting, models.CallbackDone,
		} {
			stats.Callbacks[string(status)] = counts[status]
		}
	}

	if s.hub != nil {
		stats.LiveClients = s.hub.ClientCount()
	}
	if s.directory != nil {
		stats.Queues, stats.Users = s.directory.Len()
	}

	uptimeDur := time.Since(s.startTime)

	writeJSON(w, http.StatusOK, systemStatusResponse{
		Stats: stats,
		Uptime: uptimeResponse{
			StartedAt:  s.startTime.UTC().Format(time.RFC3339),
			UptimeSec:  int64(uptimeDur.Seconds()),
			UptimeText: formatUptime(uptimeDur),
		},
	})
}

type reloadResponse struct {
	Queues     int    `json:"queues"`
	Users      int    `json:"users"`
	ReloadedAt string `json:"reloaded_at"`
}

// handleSystemReload swaps in a freshly read queue and user directory. A
// failed reload keeps the previous directory.
func (s *Server) handleSystemReload(w http.ResponseWriter, r *http.Request) {
	if s.directory == nil {
		writeError(w, http.StatusNotImplemented, "directory reload not available")
		return
	}
	if err := s.directory.Reload(); err != nil {
		s.logger.Error("directory reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}

	resp := reloadResponse{ReloadedAt: time.Now().UTC().Format(time.RFC3339)}
	resp.Queues, resp.Users = s.directory.Len()
	s.logger.Info("directory reloaded", "queues", resp.Queues, "users", resp.Users)
	writeJSON(w, http.StatusOK, resp)
}

// formatUptime renders d as "2d 5h 30m 12s", dropping leading zero units.
func formatUptime(d time.Duration) string {
	total := int(d / time.Second)
	parts := []struct {
		n    int
		unit string
	}{
		{total / 86400, "d"},
		{total / 3600 % 24, "h"},
		{total / 60 % 60, "m"},
		{total % 60, "s"},
	}
	var out []string
	for i, p := range parts {
		if len(out) == 0 && p.n == 0 && i < len(parts)-1 {
			continue
		}
		out = append(out, strconv.Itoa(p.n)+p.unit)
	}
	return strings.Join(out, " ")
}
