package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxIngestBodyBytes caps the size of one ingest request.
const maxIngestBodyBytes = 8 << 20

// handleIngestEvents accepts a JSON array of PBX events. Rejected items are
// reported in the batch result; the request itself only fails when the body
// is not an array or exceeds the batch limit.
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)

	var items []json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&items); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body must not be empty")
		default:
			writeError(w, http.StatusBadRequest, "request body must be a json array of events")
		}
		return
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "request body must contain a single json array")
		return
	}
	if len(items) > s.cfg.MaxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch exceeds maximum of %d events", s.cfg.MaxBatchSize))
		return
	}

	writeJSON(w, http.StatusOK, s.ingest.IngestRaw(r.Context(), items))
}
