package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the wire schema enforced on every consumed message.
// Payload contents are topic-specific and validated by their consumers.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message_id", "message_type", "correlation_id", "timestamp", "version", "payload"],
  "properties": {
    "message_id":     {"type": "string", "minLength": 1},
    "message_type":   {"type": "string", "minLength": 1},
    "correlation_id": {"type": "string"},
    "timestamp":      {"type": "string", "format": "date-time"},
    "version":        {"type": "string", "pattern": "^[0-9]+\\.[0-9]+(\\.[0-9]+)?$"},
    "payload":        {"type": "object"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://sentria.schemas.local/envelope.schema.json"
	if err := c.AddResource(url, strings.NewReader(envelopeSchema)); err != nil {
		panic(fmt.Sprintf("envelope schema load: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("envelope schema compile: %v", err))
	}
	return s
}

// ValidateBytes checks a raw message against the envelope schema. A
// failure means the message never carried a usable frame; callers route
// it to the dead-letter topic without retry.
func ValidateBytes(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("envelope is not JSON: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("envelope schema: %w", err)
	}
	return nil
}
