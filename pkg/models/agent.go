package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Environment names a deployment slot of an agent.
type Environment string

const (
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == EnvironmentStaging || e == EnvironmentProduction
}

// OutputFormat selects plain text or JSON output.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// DefaultMaxStepCount bounds the step loop when a version leaves it unset.
const DefaultMaxStepCount = 10

// Agent is a named, versioned configuration owned by a workspace.
type Agent struct {
	ID          string                 `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	Name        string                 `json:"name"`
	Deployments map[Environment]string `json:"deployments,omitempty"` // environment -> version id
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ModelRef points at a provider registration and a model name on it.
type ModelRef struct {
	ProviderID string `json:"provider_id"`
	Name       string `json:"name"`
}

// AgentVersion is an immutable snapshot of an agent's configuration.
type AgentVersion struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agent_id"`
	WorkspaceID     string           `json:"workspace_id"`
	Model           ModelRef         `json:"model"`
	Messages        []Message        `json:"messages"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxStepCount    int              `json:"max_step_count,omitempty"`
	OutputFormat    OutputFormat     `json:"output_format,omitempty"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	ProviderOptions map[string]any   `json:"provider_options,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Validate checks the invariants every stored or resolved version must hold.
func (v *AgentVersion) Validate() error {
	if v.Model.ProviderID == "" || v.Model.Name == "" {
		return errors.New("model provider_id and name are required")
	}
	if len(v.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range v.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if v.MaxStepCount < 0 {
		return errors.New("max_step_count must not be negative")
	}
	if v.MaxOutputTokens < 0 {
		return errors.New("max_output_tokens must not be negative")
	}
	switch v.OutputFormat {
	case "", OutputText, OutputJSON:
	default:
		return fmt.Errorf("invalid output_format %q", v.OutputFormat)
	}
	for i, t := range v.Tools {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	return nil
}

// StepLimit returns MaxStepCount or the default when unset.
func (v *AgentVersion) StepLimit() int {
	if v.MaxStepCount <= 0 {
		return DefaultMaxStepCount
	}
	return v.MaxStepCount
}

// Clone returns a deep enough copy that callers may mutate slices and maps.
func (v AgentVersion) Clone() AgentVersion {
	out := v
	out.Messages = CloneMessages(v.Messages)
	if v.Tools != nil {
		out.Tools = append([]ToolDefinition(nil), v.Tools...)
	}
	if v.Temperature != nil {
		t := *v.Temperature
		out.Temperature = &t
	}
	if v.ProviderOptions != nil {
		out.ProviderOptions = make(map[string]any, len(v.ProviderOptions))
		for k, val := range v.ProviderOptions {
			out.ProviderOptions[k] = val
		}
	}
	return out
}

// ModelOverride replaces parts of the version's model reference.
type ModelOverride struct {
	ProviderID string `json:"provider_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// RunOverrides is a partial patch applied to a version for one run. Only
// present fields replace; ProviderOptions is merged key by key.
type RunOverrides struct {
	Model           *ModelOverride `json:"model,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty" validate:"omitempty,min=1"`
	Temperature     *float64       `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	MaxStepCount    *int           `json:"max_step_count,omitempty" validate:"omitempty,min=1"`
	ProviderOptions map[string]any `json:"provider_options,omitempty"`
}

// Apply returns a copy of v with the overrides applied. v is not modified.
func (o *RunOverrides) Apply(v AgentVersion) AgentVersion {
	out := v.Clone()
	if o == nil {
		return out
	}
	if o.Model != nil {
		if o.Model.ProviderID != "" {
			out.Model.ProviderID = o.Model.ProviderID
		}
		if o.Model.Name != "" {
			out.Model.Name = o.Model.Name
		}
	}
	if o.MaxOutputTokens != nil {
		out.MaxOutputTokens = *o.MaxOutputTokens
	}
	if o.Temperature != nil {
		t := *o.Temperature
		out.Temperature = &t
	}
	if o.MaxStepCount != nil {
		out.MaxStepCount = *o.MaxStepCount
	}
	if len(o.ProviderOptions) > 0 {
		if out.ProviderOptions == nil {
			out.ProviderOptions = make(map[string]any, len(o.ProviderOptions))
		}
		for k, val := range o.ProviderOptions {
			out.ProviderOptions[k] = val
		}
	}
	return out
}

// VersionDraft is an unsaved edit sent by the editor's test path. Present
// fields replace the stored version's fields wholesale.
type VersionDraft struct {
	Model           *ModelRef        `json:"model,omitempty"`
	Messages        []Message        `json:"messages,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxStepCount    *int             `json:"max_step_count,omitempty"`
	OutputFormat    *OutputFormat    `json:"output_format,omitempty"`
	Tools           []ToolDefinition `json:"tools,omitempty"`
	ProviderOptions map[string]any   `json:"provider_options,omitempty"`
}

// Apply returns a copy of v with the draft applied.
func (d *VersionDraft) Apply(v AgentVersion) AgentVersion {
	out := v.Clone()
	if d == nil {
		return out
	}
	if d.Model != nil {
		out.Model = *d.Model
	}
	if d.Messages != nil {
		out.Messages = CloneMessages(d.Messages)
	}
	if d.MaxOutputTokens != nil {
		out.MaxOutputTokens = *d.MaxOutputTokens
	}
	if d.Temperature != nil {
		t := *d.Temperature
		out.Temperature = &t
	}
	if d.MaxStepCount != nil {
		out.MaxStepCount = *d.MaxStepCount
	}
	if d.OutputFormat != nil {
		out.OutputFormat = *d.OutputFormat
	}
	if d.Tools != nil {
		out.Tools = append([]ToolDefinition(nil), d.Tools...)
	}
	if d.ProviderOptions != nil {
		out.ProviderOptions = d.ProviderOptions
	}
	return out
}

// Provider is a workspace's registration of a model backend.
type Provider struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	EncryptedConfig string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// ToolServer is a workspace's registration of an MCP tool server.
type ToolServer struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	Name            string    `json:"name"`
	EncryptedConfig string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// APIKey grants workspace-scoped access. Only the SHA-256 hash is stored.
type APIKey struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Name        string     `json:"name"`
	KeyHash     string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// ProviderConfig is the decrypted credential payload of a Provider.
type ProviderConfig struct {
	APIKey  string            `json:"api_key"`
	BaseURL string            `json:"base_url,omitempty"`
	OrgID   string            `json:"org_id,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ParseProviderConfig decodes a decrypted provider payload.
func ParseProviderConfig(plaintext []byte) (ProviderConfig, error) {
	var cfg ProviderConfig
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return ProviderConfig{}, fmt.Errorf("decode provider config: %w", err)
	}
	return cfg, nil
}
