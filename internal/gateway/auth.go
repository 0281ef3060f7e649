package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the bearer token on a protected-skill request. A server
// with no configured token refuses every protected call rather than running
// open. Comparison is constant-time.
func authorize(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	candidate := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1
}
