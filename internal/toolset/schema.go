package toolset

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type compiledSchema struct {
	schema *jsonschema.Schema
}

// schemaCompiler compiles tool input schemas for one Set, reusing results for
// identical schema text. It is discarded with the assembly that created it.
type schemaCompiler struct {
	compiled map[string]*compiledSchema
}

func newSchemaCompiler() *schemaCompiler {
	return &schemaCompiler{compiled: make(map[string]*compiledSchema)}
}

// compile returns nil for an empty schema.
func (c *schemaCompiler) compile(raw json.RawMessage) (*compiledSchema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	key := string(raw)
	if cached, ok := c.compiled[key]; ok {
		return cached, nil
	}

	s, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	compiled := &compiledSchema{schema: s}
	c.compiled[key] = compiled
	return compiled, nil
}

// validate checks input against the schema. A nil schema accepts anything.
func (c *compiledSchema) validate(input json.RawMessage) error {
	if c == nil || c.schema == nil {
		return nil
	}
	var decoded any = map[string]any{}
	if len(bytes.TrimSpace(input)) > 0 {
		if err := json.Unmarshal(input, &decoded); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}
	return c.schema.Validate(decoded)
}
