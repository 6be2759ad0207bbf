package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ToolKind discriminates the variants of ToolDefinition.
type ToolKind string

const (
	ToolKindMCP    ToolKind = "mcp"
	ToolKindCustom ToolKind = "custom"
)

// MCPTool references a named tool in a registered tool server's catalog.
type MCPTool struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
}

// CustomTool is declared inline on a version. It has no executor; callers
// receive its calls unresolved and execute them out-of-band.
type CustomTool struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolDefinition is either an MCP reference or a custom tool. Exactly one of
// MCP and Custom is set; Kind says which.
type ToolDefinition struct {
	Kind   ToolKind
	MCP    *MCPTool
	Custom *CustomTool
}

// NewMCPTool builds an MCP reference definition.
func NewMCPTool(serverID, name string) ToolDefinition {
	return ToolDefinition{Kind: ToolKindMCP, MCP: &MCPTool{ServerID: serverID, Name: name}}
}

// NewCustomTool builds a custom tool definition.
func NewCustomTool(title, description string, schema json.RawMessage) ToolDefinition {
	return ToolDefinition{Kind: ToolKindCustom, Custom: &CustomTool{Title: title, Description: description, InputSchema: schema}}
}

// Name returns the name the model sees for this tool.
func (d ToolDefinition) Name() string {
	switch d.Kind {
	case ToolKindMCP:
		if d.MCP != nil {
			return d.MCP.Name
		}
	case ToolKindCustom:
		if d.Custom != nil {
			return d.Custom.Title
		}
	}
	return ""
}

// Equal reports whether two definitions describe the same tool.
func (d ToolDefinition) Equal(o ToolDefinition) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case ToolKindMCP:
		return d.MCP != nil && o.MCP != nil && *d.MCP == *o.MCP
	case ToolKindCustom:
		if d.Custom == nil || o.Custom == nil {
			return false
		}
		return d.Custom.Title == o.Custom.Title &&
			d.Custom.Description == o.Custom.Description &&
			bytes.Equal(d.Custom.InputSchema, o.Custom.InputSchema)
	}
	return false
}

// Validate checks that the definition is well formed.
func (d ToolDefinition) Validate() error {
	switch d.Kind {
	case ToolKindMCP:
		if d.MCP == nil || d.MCP.ServerID == "" || d.MCP.Name == "" {
			return errors.New("mcp tool requires server_id and name")
		}
	case ToolKindCustom:
		if d.Custom == nil || d.Custom.Title == "" {
			return errors.New("custom tool requires title")
		}
	default:
		return fmt.Errorf("unknown tool kind %q", d.Kind)
	}
	return nil
}

type toolWire struct {
	Type        ToolKind        `json:"type,omitempty"`
	ServerID    string          `json:"server_id,omitempty"`
	MCPID       string          `json:"mcp_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// camelCase spelling written by older editors
	InputSchemaAlt json.RawMessage `json:"inputSchema,omitempty"`
}

// UnmarshalJSON decodes both the tagged shape and the legacy untyped
// {mcp_id, name} shape into the canonical variant.
func (d *ToolDefinition) UnmarshalJSON(data []byte) error {
	var w toolWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	kind := w.Type
	if kind == "" {
		switch {
		case w.MCPID != "" || w.ServerID != "":
			kind = ToolKindMCP
		case w.Title != "":
			kind = ToolKindCustom
		default:
			return errors.New("tool definition has no type")
		}
	}

	switch kind {
	case ToolKindMCP:
		serverID := w.ServerID
		if serverID == "" {
			serverID = w.MCPID
		}
		*d = NewMCPTool(serverID, w.Name)
	case ToolKindCustom:
		schema := w.InputSchema
		if len(schema) == 0 {
			schema = w.InputSchemaAlt
		}
		*d = NewCustomTool(w.Title, w.Description, schema)
	default:
		return fmt.Errorf("unknown tool type %q", kind)
	}
	return nil
}

// MarshalJSON always writes the tagged shape.
func (d ToolDefinition) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case ToolKindMCP:
		if d.MCP == nil {
			return nil, errors.New("mcp tool definition missing body")
		}
		return json.Marshal(toolWire{Type: ToolKindMCP, ServerID: d.MCP.ServerID, Name: d.MCP.Name})
	case ToolKindCustom:
		if d.Custom == nil {
			return nil, errors.New("custom tool definition missing body")
		}
		return json.Marshal(toolWire{
			Type:        ToolKindCustom,
			Title:       d.Custom.Title,
			Description: d.Custom.Description,
			InputSchema: d.Custom.InputSchema,
		})
	}
	return nil, fmt.Errorf("unknown tool kind %q", d.Kind)
}
