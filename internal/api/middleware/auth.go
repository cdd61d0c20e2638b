package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// RequireToken rejects requests that do not carry the shared IPC token.
// The token is read from "Authorization: Bearer <token>" or, for websocket
// clients that cannot set headers, the "token" query parameter. An empty
// token disables the check.
func RequireToken(token string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearerToken(r)
			if got == "" {
				jsonError(w, http.StatusUnauthorized, "missing token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.Warn().
					Str("type", "security").
					Str("event", "bad_token").
					Str("ip", RealIP(r)).
					Str("path", r.URL.Path).
					Msg("rejected ipc token")
				jsonError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
