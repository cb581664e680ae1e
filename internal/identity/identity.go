// Package identity provides the anonymous per-browser identity used by the
// local bridge and the vault holding each browser's service credentials.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"
)

const (
	ClientCookieName   = "negotiation_client_id"
	clientCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const clientIDKey contextKey = iota

var clientIDPattern = regexp.MustCompile(`^client_[a-f0-9]{32}$`)

// ClientIDFromContext extracts the client ID from the request context.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClientID returns a context carrying id. Used by tests and by callers
// that act on behalf of a client outside a request.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

func generateClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "client_" + hex.EncodeToString(buf), nil
}

func isValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

func setClientCookie(w http.ResponseWriter, id string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(clientCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(clientCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

func getOrCreateClientID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(ClientCookieName); err == nil && isValidClientID(c.Value) {
		setClientCookie(w, c.Value, !isDev)
		return c.Value, nil
	}

	id, err := generateClientID()
	if err != nil {
		return "", err
	}
	setClientCookie(w, id, !isDev)
	return id, nil
}

// Middleware assigns every browser a stable anonymous client ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, err := getOrCreateClientID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish client identity"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
