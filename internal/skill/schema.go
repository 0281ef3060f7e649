package skill

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks skill inputs against the skill's JSON Schema. Required
// fields get a dedicated error message so callers see every missing field at
// once instead of the first schema violation.
type Validator struct {
	schema   *jsonschema.Schema
	required []string
}

// NewValidator compiles the schema. The schema document must be an object
// schema; its top-level "required" list drives the missing-field message.
func NewValidator(schemaJSON json.RawMessage) (*Validator, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	var meta struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &meta); err != nil {
		return nil, fmt.Errorf("read schema required list: %w", err)
	}

	return &Validator{schema: schema, required: meta.Required}, nil
}

// Validate returns nil when input satisfies the schema. Missing required
// fields yield "Missing required fields: a, b"; other violations return the
// validator's message.
func (v *Validator) Validate(input map[string]any) error {
	var missing []string
	for _, field := range v.required {
		if val, ok := input[field]; !ok || val == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("Missing required fields: %s", strings.Join(missing, ", "))
	}

	// Round-trip through jsonschema's decoder so numbers validate correctly.
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if err := v.schema.Validate(value); err != nil {
		return fmt.Errorf("invalid input: %v", err)
	}
	return nil
}

// MustValidator compiles a schema known at compile time; it panics on
// malformed schema text, which is a programming error caught at startup.
func MustValidator(schemaJSON string) *Validator {
	v, err := NewValidator(json.RawMessage(schemaJSON))
	if err != nil {
		panic(err)
	}
	return v
}
