package agent

import (
	"context"
	"encoding/json"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// LLMProvider is the interface for model backends.
//
// Complete starts one model round trip and returns a channel of chunks. The
// provider owns the channel and closes it when the response is complete, when
// an error chunk has been sent, or when ctx is cancelled. Implementations must
// stop sending once ctx is done so that an abandoned consumer never blocks the
// producing goroutine.
type LLMProvider interface {
	// Complete sends a completion request and returns a streaming response channel.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider type, e.g. "openai".
	Name() string
}

// CompletionRequest is a provider-neutral model request.
type CompletionRequest struct {
	Model string `json:"model"`

	// Messages is the full conversation, system messages included. Backends
	// that take the system prompt out of band extract it themselves.
	Messages []models.Message `json:"messages"`

	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens caps generated tokens; 0 leaves the backend default.
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`

	// JSONOutput asks the backend for a JSON object response.
	JSONOutput bool `json:"json_output,omitempty"`

	// ReasoningEffort is passed to backends with effort-controlled reasoning.
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// ThinkingBudgetTokens enables extended thinking when positive.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// ToolSpec describes a tool as advertised to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// CompletionChunk is one piece of a streaming response. Exactly one of the
// payload fields is normally set; the final chunk has Done and carries the
// finish reason and usage.
type CompletionChunk struct {
	Text      string           `json:"text,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCall  *models.ToolCall `json:"tool_call,omitempty"`

	Done         bool          `json:"done,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *models.Usage `json:"usage,omitempty"`

	Error error `json:"-"`
}

// Normalized finish reasons.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool-calls"
	FinishContentFilter = "content-filter"
	FinishOther         = "other"
)

// SystemPrompt joins the content of all system messages in msgs.
func SystemPrompt(msgs []models.Message) string {
	var out string
	for _, m := range msgs {
		if m.Role != models.RoleSystem || m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}
