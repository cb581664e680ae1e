// Package middleware provides HTTP middleware for the coordinator bridge.
package middleware

import (
	"net/http"
	"slices"
)

// CORS returns middleware that lets the configured front-end origins call the
// bridge and read its event stream.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			explicit := origin != "" && slices.Contains(allowedOrigins, origin)

			if origin != "" {
				w.Header().Add("Vary", "Origin")
			}
			if explicit || (wildcard && origin != "") {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
				h.Set("Access-Control-Expose-Headers", "Content-Disposition")
				// Credentials only for explicit origins. Echoing a wildcard
				// match with credentials would allow CSRF.
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
