package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

const (
	anthropicDefaultMaxTokens  = 4096
	anthropicMinThinkingTokens = 1024

	// jsonOutputInstruction is appended to the system prompt when JSON output
	// is requested, since the Messages API has no response format switch.
	jsonOutputInstruction = "Respond only with a single valid JSON object and no surrounding text."

	// maxEmptyStreamEvents bounds consecutive unrecognized events, so a
	// malformed stream cannot spin forever.
	maxEmptyStreamEvents = 300
)

// AnthropicProvider implements agent.LLMProvider for the Anthropic Messages
// API. System messages are sent out of band and tool results travel as
// tool_result blocks inside user turns.
type AnthropicProvider struct {
	base
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.httpClient()),
		// Retries are handled by base.retry.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		base:   newBase(TypeAnthropic, cfg.MaxRetries, cfg.RetryDelay),
		client: anthropic.NewClient(opts...),
	}, nil
}

// Complete opens a message stream. The SDK connects lazily, so the first
// event read happens inside the retry loop.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var first bool
	err = p.retry(ctx, func() error {
		s := p.client.Messages.NewStreaming(ctx, params)
		first = s.Next()
		if !first {
			if err := s.Err(); err != nil {
				_ = s.Close()
				return p.wrapError(err, req.Model)
			}
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, first, chunks, req.Model)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	system := agent.SystemPrompt(req.Messages)
	if req.JSONOutput {
		system = strings.TrimSpace(system + "\n\n" + jsonOutputInstruction)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.ThinkingBudgetTokens > 0 {
		budget := max(req.ThinkingBudgetTokens, anthropicMinThinkingTokens)
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
		if maxTokens <= budget {
			params.MaxTokens = int64(budget + anthropicDefaultMaxTokens)
		}
		// Sampling parameters are fixed while thinking is enabled.
		return params, nil
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params, nil
}

// processStream converts stream events to chunks. first reports whether the
// stream has already been advanced to its first event.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], first bool, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var (
		usage      models.Usage
		finish     string
		toolCall   *models.ToolCall
		toolInput  strings.Builder
		emptyCount int
	)

	for advanced := first; advanced; advanced = stream.Next() {
		event := stream.Current()
		var out *agent.CompletionChunk
		known := true

		switch event.Type {
		case "message_start":
			u := event.AsMessageStart().Message.Usage
			cached := int(u.CacheReadInputTokens)
			usage.InputTokens = int(u.InputTokens) + cached + int(u.CacheCreationInputTokens)
			usage.CachedInputTokens = cached
			usage.OutputTokens = int(u.OutputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out = &agent.CompletionChunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out = &agent.CompletionChunk{Reasoning: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCall != nil {
				input := toolInput.String()
				if strings.TrimSpace(input) == "" {
					input = "{}"
				}
				toolCall.Input = json.RawMessage(input)
				out = &agent.CompletionChunk{ToolCall: toolCall}
				toolCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			finish = anthropicFinishReason(string(md.Delta.StopReason))

		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{Done: true, FinishReason: finish, Usage: &usage})
			return

		case "ping":

		case "error":
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			known = false
		}

		if known {
			emptyCount = 0
		} else if emptyCount++; emptyCount >= maxEmptyStreamEvents {
			send(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive unknown events", emptyCount), model),
			})
			return
		}
		if out != nil && !send(ctx, chunks, out) {
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	// Stream ended without message_stop.
	send(ctx, chunks, &agent.CompletionChunk{Done: true, FinishReason: finish, Usage: &usage})
}

func anthropicFinishReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence", "pause_turn":
		return agent.FinishStop
	case "max_tokens":
		return agent.FinishLength
	case "tool_use":
		return agent.FinishToolCalls
	case "refusal":
		return agent.FinishContentFilter
	case "":
		return ""
	default:
		return agent.FinishOther
	}
}

// convertToAnthropicMessages drops system messages, which travel in
// params.System. Tool results become tool_result blocks in a user turn.
func convertToAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid input: %w", tc.ID, err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertToAnthropicTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		if t.Description != "" {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return newProviderError(p.name, model, err)
	}

	pe = newProviderError(p.name, model, err).withStatus(apiErr.StatusCode)
	pe.RequestID = apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				pe.Message = payload.Error.Message
			}
			if payload.Error.Type != "" {
				pe = pe.withCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				pe.RequestID = payload.RequestID
			}
		}
	}
	return pe
}
