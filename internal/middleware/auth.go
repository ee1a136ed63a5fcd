// Package middleware holds the HTTP middleware guarding the operator control server.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths bypass authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// Auth returns middleware that requires the operator token on every request
// except public paths. The token is read through the getter on each request
// so a secrets reload takes effect without a restart. An empty token disables
// the check.
//
// The token is accepted from "Authorization: Bearer <token>" and, for
// WebSocket upgrades where browsers cannot set headers, from ?token=.
func Auth(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := token()
			if want == "" || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			got := bearer(r)
			if got == "" && isWebSocketUpgrade(r) {
				got = r.URL.Query().Get("token")
			}
			if got == "" {
				writeError(w, http.StatusUnauthorized, "missing operator token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid operator token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
