package config

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
)

// JSONSchema describes the accepted configuration file. Property names follow
// the yaml tags, and unknown keys are disallowed as they are by Load.
func JSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(time.Duration(0)) {
				return &jsonschema.Schema{Type: "string", Description: `Go duration such as "5s" or "1m30s".`}
			}
			return nil
		},
	}
	s := r.Reflect(&Config{})
	s.Title = "agent0 configuration"
	s.Properties.Set(includeKey, &jsonschema.Schema{
		Description: "Path or list of paths merged beneath this file.",
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	})
	return json.MarshalIndent(s, "", "  ")
}
