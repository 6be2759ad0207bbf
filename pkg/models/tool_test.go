package models

import (
	"encoding/json"
	"testing"
)

func TestToolDefinitionUnmarshal(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind ToolKind
		wantName string
		wantErr  bool
	}{
		{
			name:     "tagged mcp",
			input:    `{"type":"mcp","server_id":"s1","name":"search"}`,
			wantKind: ToolKindMCP,
			wantName: "search",
		},
		{
			name:     "legacy mcp",
			input:    `{"mcp_id":"s1","name":"search"}`,
			wantKind: ToolKindMCP,
			wantName: "search",
		},
		{
			name:     "tagged custom",
			input:    `{"type":"custom","title":"lookup","description":"d","input_schema":{"type":"object"}}`,
			wantKind: ToolKindCustom,
			wantName: "lookup",
		},
		{
			name:     "custom with camelCase schema",
			input:    `{"title":"lookup","inputSchema":{"type":"object"}}`,
			wantKind: ToolKindCustom,
			wantName: "lookup",
		},
		{
			name:    "no discriminator",
			input:   `{"name":"x"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   `{"type":"webhook","name":"x"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var def ToolDefinition
			err := json.Unmarshal([]byte(tt.input), &def)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", def)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if def.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", def.Kind, tt.wantKind)
			}
			if def.Name() != tt.wantName {
				t.Errorf("name = %q, want %q", def.Name(), tt.wantName)
			}
		})
	}
}

func TestToolDefinitionLegacyMarshalsTagged(t *testing.T) {
	var def ToolDefinition
	if err := json.Unmarshal([]byte(`{"mcp_id":"s1","name":"search"}`), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"mcp","server_id":"s1","name":"search"}` {
		t.Fatalf("marshal = %s", data)
	}
}

func TestCustomSchemaPreserved(t *testing.T) {
	var def ToolDefinition
	if err := json.Unmarshal([]byte(`{"inputSchema":{"type":"object"},"title":"t"}`), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(def.Custom.InputSchema) != `{"type":"object"}` {
		t.Fatalf("schema = %s", def.Custom.InputSchema)
	}
}
