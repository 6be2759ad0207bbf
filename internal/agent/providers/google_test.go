package providers

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

func TestConvertToGeminiContents(t *testing.T) {
	out, err := convertToGeminiContents([]models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "weather", Input: json.RawMessage(`{"city":"Oslo"}`)}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "rain", IsError: true}}},
	})
	if err != nil {
		t.Fatalf("convert error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("contents = %d, want 3", len(out))
	}
	if out[1].Role != genai.RoleModel || out[1].Parts[0].FunctionCall.Args["city"] != "Oslo" {
		t.Fatalf("model turn = %+v", out[1])
	}
	resp := out[2].Parts[0].FunctionResponse
	if out[2].Role != genai.RoleUser || resp.Name != "weather" || resp.Response["error"] != "rain" {
		t.Fatalf("function response = %+v", resp)
	}
}

func TestBuildGeminiConfig(t *testing.T) {
	temp, topP := 0.4, 0.8
	cfg := buildGeminiConfig(&agent.CompletionRequest{
		Messages:             []models.Message{{Role: models.RoleSystem, Content: "sys"}, {Role: models.RoleUser, Content: "x"}},
		MaxTokens:            512,
		Temperature:          &temp,
		TopP:                 &topP,
		JSONOutput:           true,
		ThinkingBudgetTokens: 1024,
		Tools:                []agent.ToolSpec{{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	})
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "sys" {
		t.Fatalf("system instruction = %+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != 512 || *cfg.Temperature != float32(0.4) || *cfg.TopP != float32(0.8) {
		t.Fatalf("sampling = %d %v %v", cfg.MaxOutputTokens, *cfg.Temperature, *cfg.TopP)
	}
	if cfg.ResponseMIMEType != "application/json" {
		t.Errorf("mime type = %q", cfg.ResponseMIMEType)
	}
	if cfg.ThinkingConfig == nil || *cfg.ThinkingConfig.ThinkingBudget != 1024 {
		t.Errorf("thinking config = %+v", cfg.ThinkingConfig)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].FunctionDeclarations[0].Name != "search" {
		t.Errorf("tools = %+v", cfg.Tools)
	}
}

func TestGeminiChunk(t *testing.T) {
	if c := geminiChunk(&genai.Part{Text: "plan", Thought: true}); c.Reasoning != "plan" {
		t.Errorf("thought part = %+v", c)
	}
	if c := geminiChunk(&genai.Part{Text: "hi"}); c.Text != "hi" {
		t.Errorf("text part = %+v", c)
	}
	c := geminiChunk(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "search"}})
	if c.ToolCall == nil || c.ToolCall.ID == "" || string(c.ToolCall.Input) != "{}" {
		t.Errorf("function call part = %+v", c.ToolCall)
	}
	if geminiChunk(&genai.Part{}) != nil {
		t.Error("empty part should produce no chunk")
	}
}

func TestGeminiUsage(t *testing.T) {
	u := geminiUsage(&genai.GenerateContentResponseUsageMetadata{
		PromptTokenCount:        100,
		CachedContentTokenCount: 40,
		CandidatesTokenCount:    20,
		ThoughtsTokenCount:      7,
	})
	want := models.Usage{InputTokens: 100, CachedInputTokens: 40, OutputTokens: 27, ReasoningTokens: 7}
	if *u != want {
		t.Fatalf("usage = %+v, want %+v", *u, want)
	}
}
