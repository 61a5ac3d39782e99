package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS returns middleware that sets Cross-Origin Resource Sharing headers
// for the dashboard. An origin of "*" allows any origin. An empty list
// disables CORS: no headers are sent.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IngestSecretHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
	return c.Handler
}
