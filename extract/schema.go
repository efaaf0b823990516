package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PageSchema returns the JSON schema every extracted page must satisfy.
func PageSchema() map[string]any {
	return map[string]any{
		"type":          "object",
		"minProperties": 1,
		"properties": map[string]any{
			"text":       map[string]any{"type": "string"},
			"lines":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"fields":     map[string]any{"type": "object"},
			"records":    map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			"confidence": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
		},
	}
}

// Validator checks extracted content against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schemaMap once for repeated use.
func NewValidator(schemaMap map[string]any) (*Validator, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("page.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("page.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate reports whether data is JSON matching the schema.
func (v *Validator) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal content: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("content does not match schema: %w", err)
	}
	return nil
}
