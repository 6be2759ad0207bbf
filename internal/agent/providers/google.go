package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// GoogleProvider implements agent.LLMProvider for the Gemini API.
//
// Gemini may omit tool call ids; the provider assigns one so results can be
// matched on the next turn. Function responses are sent by name.
type GoogleProvider struct {
	base
	client *genai.Client
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(ctx context.Context, cfg Config) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient(),
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if len(cfg.Headers) > 0 {
		cc.HTTPOptions.Headers = http.Header{}
		for k, v := range cfg.Headers {
			cc.HTTPOptions.Headers.Set(k, v)
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &GoogleProvider{
		base:   newBase(TypeGoogle, cfg.MaxRetries, cfg.RetryDelay),
		client: client,
	}, nil
}

// Complete streams a generation. A failure before anything was emitted is
// retried; once output has reached the consumer the error is reported as is.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	contents, err := convertToGeminiContents(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: convert messages: %w", err)
	}
	config := buildGeminiConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var final *agent.CompletionChunk
		var midStream error
		err := p.retry(ctx, func() error {
			emitted := false
			done, err := p.stream(ctx, req.Model, contents, config, chunks, &emitted)
			if err != nil && emitted {
				midStream = err
				return nil
			}
			final = done
			return err
		})
		switch {
		case midStream != nil:
			send(ctx, chunks, &agent.CompletionChunk{Error: midStream})
		case err != nil:
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
		case final != nil:
			send(ctx, chunks, final)
		}
	}()
	return chunks, nil
}

// stream runs one attempt and returns the Done chunk to send on success.
func (p *GoogleProvider) stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *agent.CompletionChunk, emitted *bool) (*agent.CompletionChunk, error) {
	var usage *models.Usage
	finish := ""
	sawCall := false

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage = geminiUsage(resp.UsageMetadata)
		}
		for _, cand := range resp.Candidates {
			if cand == nil {
				continue
			}
			if cand.FinishReason != "" {
				finish = geminiFinishReason(cand.FinishReason)
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				c := geminiChunk(part)
				if c == nil {
					continue
				}
				if c.ToolCall != nil {
					sawCall = true
				}
				if !send(ctx, chunks, c) {
					return nil, ctx.Err()
				}
				*emitted = true
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sawCall {
		finish = agent.FinishToolCalls
	}
	return &agent.CompletionChunk{Done: true, FinishReason: finish, Usage: usage}, nil
}

func geminiChunk(part *genai.Part) *agent.CompletionChunk {
	switch {
	case part == nil:
		return nil
	case part.FunctionCall != nil:
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil || part.FunctionCall.Args == nil {
			args = []byte("{}")
		}
		id := part.FunctionCall.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		return &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: part.FunctionCall.Name, Input: args}}
	case part.Text == "":
		return nil
	case part.Thought:
		return &agent.CompletionChunk{Reasoning: part.Text}
	default:
		return &agent.CompletionChunk{Text: part.Text}
	}
}

// geminiUsage counts thought tokens as output, matching how they are billed.
func geminiUsage(m *genai.GenerateContentResponseUsageMetadata) *models.Usage {
	return &models.Usage{
		InputTokens:       int(m.PromptTokenCount),
		CachedInputTokens: int(m.CachedContentTokenCount),
		OutputTokens:      int(m.CandidatesTokenCount) + int(m.ThoughtsTokenCount),
		ReasoningTokens:   int(m.ThoughtsTokenCount),
	}
}

func geminiFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return agent.FinishStop
	case genai.FinishReasonMaxTokens:
		return agent.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return agent.FinishContentFilter
	default:
		return agent.FinishOther
	}
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	system := agent.SystemPrompt(req.Messages)
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		config.TopP = &v
	}
	if req.JSONOutput {
		config.ResponseMIMEType = "application/json"
	}
	if req.ThinkingBudgetTokens > 0 {
		// #nosec G115 -- bounded by min
		budget := int32(min(req.ThinkingBudgetTokens, math.MaxInt32))
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.InputSchema) > 0 {
				decl.ParametersJsonSchema = t.InputSchema
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// convertToGeminiContents maps assistant turns to the "model" role and tool
// results to function responses in a user turn.
func convertToGeminiContents(messages []models.Message) ([]*genai.Content, error) {
	callNames := map[string]string{}
	var out []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid input: %w", tc.ID, err)
				}
			}
			callNames[tc.ID] = tc.Name
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			name := tr.ToolName
			if name == "" {
				name = callNames[tr.ToolCallID]
			}
			key := "output"
			if tr.IsError {
				key = "error"
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     name,
					Response: map[string]any{key: tr.Content},
				},
			})
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out, nil
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		apiErr = *apiErrPtr
	}
	if apiErrPtr != nil || errors.As(err, &apiErr) {
		pe = newProviderError(p.name, model, err).withStatus(apiErr.Code)
		if apiErr.Message != "" {
			pe.Message = apiErr.Message
		}
		if apiErr.Status != "" {
			pe = pe.withCode(strings.ToLower(apiErr.Status))
		}
		return pe
	}
	return newProviderError(p.name, model, err)
}
