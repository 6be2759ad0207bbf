package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider for the OpenAI chat completions
// API and servers compatible with it.
//
// OpenAI streams tool calls in fragments keyed by index; the provider
// accumulates them and emits each complete call once the stream ends. Usage
// arrives in a trailing chunk with no choices, requested through
// stream_options.include_usage.
type OpenAIProvider struct {
	base
	client *openai.Client
}

// NewOpenAIProvider creates a provider reporting itself as name.
func NewOpenAIProvider(name string, cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.OrgID != "" {
		oc.OrgID = cfg.OrgID
	}
	oc.HTTPClient = cfg.httpClient()

	return &OpenAIProvider{
		base:   newBase(name, cfg.MaxRetries, cfg.RetryDelay),
		client: openai.NewClientWithConfig(oc),
	}, nil
}

// Complete opens a chat completion stream, retrying transient failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	var stream *openai.ChatCompletionStream
	err = p.retry(ctx, func() error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, req.Model)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *agent.CompletionRequest) (openai.ChatCompletionRequest, error) {
	messages, err := convertToOpenAIMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("openai: convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = openAIFloat(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = openAIFloat(*req.TopP)
	}
	if req.JSONOutput {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if req.ReasoningEffort != "" {
		chatReq.ReasoningEffort = req.ReasoningEffort
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}
	return chatReq, nil
}

// openAIFloat maps an explicit zero to the smallest positive float32, since
// the client drops zero-valued sampling fields from the request body.
func openAIFloat(v float64) float32 {
	if v == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(v)
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var usage *models.Usage
	finish := ""

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		if resp.Usage != nil {
			usage = openAIUsage(resp.Usage)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Reasoning: choice.Delta.ReasoningContent}) {
				return
			}
		}
		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := toolCalls[index]
			if call == nil {
				call = &models.ToolCall{}
				toolCalls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Input = append(call.Input, tc.Function.Arguments...)
		}
		if choice.FinishReason != "" {
			finish = openAIFinishReason(choice.FinishReason)
		}
	}

	indexes := make([]int, 0, len(toolCalls))
	for i := range toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := toolCalls[i]
		if call.Name == "" {
			continue
		}
		if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
			return
		}
	}
	send(ctx, chunks, &agent.CompletionChunk{Done: true, FinishReason: finish, Usage: usage})
}

func openAIUsage(u *openai.Usage) *models.Usage {
	out := &models.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func openAIFinishReason(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonStop:
		return agent.FinishStop
	case openai.FinishReasonLength:
		return agent.FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return agent.FinishToolCalls
	case openai.FinishReasonContentFilter:
		return agent.FinishContentFilter
	default:
		return agent.FinishOther
	}
}

// convertToOpenAIMessages keeps system messages in line. Each tool result
// becomes its own "tool" message.
func convertToOpenAIMessages(messages []models.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case models.RoleUser:
			if msg.Content != "" || len(msg.ToolResults) == 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
			}
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, m)
		case models.RoleTool:
		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
		for _, tr := range msg.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}
	}
	return out, nil
}

func convertToOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe = newProviderError(p.name, model, err).withStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			pe.Message = apiErr.Message
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.withCode(code)
		} else if apiErr.Type != "" {
			pe = pe.withCode(apiErr.Type)
		}
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newProviderError(p.name, model, err).withStatus(reqErr.HTTPStatusCode)
	}
	return newProviderError(p.name, model, err)
}
