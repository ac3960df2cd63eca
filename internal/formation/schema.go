package formation

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON schema every sanitized formation document must satisfy.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "formation"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 100},
    "formation": {"type": "string", "pattern": "^[0-9](-[0-9]){1,5}$"},
    "description": {"type": "string", "maxLength": 1000},
    "tactical_instructions": {"type": "string", "maxLength": 5000},
    "opponent_analysis": {"type": "string", "maxLength": 5000},
    "notes": {"type": "string", "maxLength": 2000},
    "classification": {"enum": ["public", "internal", "confidential", "restricted"]},
    "tags": {
      "type": "array",
      "maxItems": 20,
      "items": {"type": "string", "maxLength": 50}
    },
    "positions": {
      "type": "array",
      "maxItems": 30,
      "items": {
        "type": "object",
        "required": ["role", "x", "y"],
        "additionalProperties": false,
        "properties": {
          "role": {"type": "string", "minLength": 1, "maxLength": 32},
          "x": {"type": "number", "minimum": 0, "maximum": 100},
          "y": {"type": "number", "minimum": 0, "maximum": 100},
          "player_name": {"type": "string", "maxLength": 100},
          "player_number": {"type": "integer", "minimum": 0, "maximum": 99}
        }
      }
    }
  }
}`

// Validator checks documents against Schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the formation schema.
func NewValidator() (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(Schema))
	if err != nil {
		return nil, fmt.Errorf("compiling formation schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate returns one human-readable message per schema violation; an
// empty result means the document is valid.
func (v *Validator) Validate(doc map[string]any) []string {
	res, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return []string{fmt.Sprintf("document could not be validated: %v", err)}
	}
	if res.Valid() {
		return nil
	}
	out := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		out = append(out, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return out
}
