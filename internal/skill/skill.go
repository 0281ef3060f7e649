// Package skill defines the operation contract every agent skill implements
// and the registry the RPC server dispatches through.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
)

// Card is the self-describing metadata for one skill, rendered into the
// agent card at /.well-known/agent.json.
type Card struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Tags         []string         `json:"tags,omitempty"`
	AuthRequired bool             `json:"authentication_required"`
	InputSchema  json.RawMessage  `json:"input_schema,omitempty"`
	Examples     []map[string]any `json:"examples,omitempty"`
}

// Result is a skill outcome. Every result carries a "success" bool; failures
// carry an "error" string. Skills never return Go errors to the transport.
type Result map[string]any

// OK builds a success result with the given payload fields.
func OK(fields map[string]any) Result {
	r := Result{"success": true}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Fail builds a failure result.
func Fail(format string, args ...any) Result {
	return Result{"success": false, "error": fmt.Sprintf(format, args...)}
}

// Success reports the result's success flag.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Skill is a single named operation. Execute must not panic and must not
// return transport-visible errors; all failures become Fail results.
type Skill interface {
	Card() Card
	Execute(ctx context.Context, input map[string]any) Result
}
