package models

import (
	"time"
)

// Usage is token accounting reported by a model backend.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	OutputTokens      int `json:"output_tokens"`
	ReasoningTokens   int `json:"reasoning_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.CachedInputTokens += o.CachedInputTokens
	u.OutputTokens += o.OutputTokens
	u.ReasoningTokens += o.ReasoningTokens
}

// RunRecord is the immutable summary row written once per run attempt.
type RunRecord struct {
	ID                string    `json:"id"`
	WorkspaceID       string    `json:"workspace_id"`
	AgentID           string    `json:"agent_id"`
	VersionID         string    `json:"version_id"`
	Model             string    `json:"model"`
	ProviderType      string    `json:"provider_type,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	IsError           bool      `json:"is_error"`
	IsStream          bool      `json:"is_stream"`
	IsTest            bool      `json:"is_test"`
	ErrorName         string    `json:"error_name,omitempty"`
	PreProcessingTime *int64    `json:"pre_processing_time"` // milliseconds
	FirstTokenTime    *int64    `json:"first_token_time"`
	ResponseTime      *int64    `json:"response_time"`
	Steps             int       `json:"steps"`
	InputTokens       int       `json:"input_tokens"`
	CachedInputTokens int       `json:"cached_input_tokens"`
	OutputTokens      int       `json:"output_tokens"`
	Tokens            int       `json:"tokens"`
	Cost              *float64  `json:"cost"` // USD; nil when the model has no price
}

// TranscriptRequest captures what the run was asked to do.
type TranscriptRequest struct {
	Version   AgentVersion      `json:"version"`
	Messages  []Message         `json:"messages"`
	Overrides *RunOverrides     `json:"overrides,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Stream    bool              `json:"stream"`
}

// TranscriptStep is one model round trip.
type TranscriptStep struct {
	Index        int          `json:"index"`
	Text         string       `json:"text,omitempty"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult `json:"tool_results,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        Usage        `json:"usage"`
}

// TranscriptError describes the failure of a run.
type TranscriptError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// RunTranscript is the full write-once blob stored alongside a RunRecord.
type RunTranscript struct {
	RunID      string            `json:"run_id"`
	Request    TranscriptRequest `json:"request"`
	Steps      []TranscriptStep  `json:"steps"`
	TotalUsage Usage             `json:"total_usage"`
	Error      *TranscriptError  `json:"error,omitempty"`
}
