package provider

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema validates provider definitions submitted at runtime
// before they reach the typed config layer. Exactly one transport is
// allowed: a command to spawn or a URL to reach.
const configSchema = `{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "array", "items": {"type": "string"}},
		"env": {"type": "object", "additionalProperties": {"type": "string"}},
		"url": {"type": "string", "minLength": 1},
		"enabled": {"type": "boolean"}
	},
	"additionalProperties": false,
	"oneOf": [
		{"required": ["command"]},
		{"required": ["url"]}
	]
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ValidateConfigDocument checks a raw provider definition against the
// schema, returning every violation in one error
func ValidateConfigDocument(doc map[string]interface{}) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return fmt.Errorf("invalid provider config: %s", strings.Join(messages, "; "))
}
