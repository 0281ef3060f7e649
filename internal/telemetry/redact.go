package telemetry

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// The orchestrator carries exactly three kinds of secrets: the gateway's
// shared bearer token, per-peer tokens from config, and the database
// password inside lib/pq connection strings. Redaction targets those shapes
// rather than every conceivable credential format.
var (
	// "Authorization: Bearer <token>" headers echoed by the gateway or the
	// peer client into errors and logs.
	bearerValue = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9_\-./+=]{8,}`)

	// auth_token / peers.<name>.token config fields quoted into messages,
	// in yaml, JSON, or key=value form.
	tokenField = regexp.MustCompile(`(?i)\b(auth_token|token|password|secret)("?\s*[:=]\s*"?)([^\s"',;]+)`)

	// lib/pq DSNs: "host=... password=... sslmode=...".
	dsnPassword = regexp.MustCompile(`(?i)\bpassword=\S+`)
)

// Redact strips secret material from a string before it reaches a sink
// (system log, audit trail, peer-facing error result).
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := dsnPassword.ReplaceAllString(s, "password="+placeholder)
	out = bearerValue.ReplaceAllString(out, "Bearer "+placeholder)
	out = tokenField.ReplaceAllString(out, "${1}${2}"+placeholder)
	return out
}

// sensitiveKey reports whether a structured-log attribute key must have its
// value replaced wholesale. The list mirrors the config fields that hold
// secrets plus the header names that carry them.
func sensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "auth_token", "token", "password", "secret", "authorization", "bearer":
		return true
	}
	return false
}
