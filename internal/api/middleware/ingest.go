package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// IngestSecretHeader carries the shared secret of the PBX integration.
const IngestSecretHeader = "X-Ingest-Secret"

// RequireIngestSecret returns middleware that rejects requests whose
// X-Ingest-Secret header does not match secret.
func RequireIngestSecret(secret string) func(http.Handler) http.Handler {
	want := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(IngestSecretHeader))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				slog.Warn("ingest: rejected request with invalid secret",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusUnauthorized, "invalid ingest secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
