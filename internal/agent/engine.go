// Package agent drives model backends through a bounded step loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/toolset"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// EventType names an execution event.
type EventType string

const (
	EventStepStart      EventType = "step-start"
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventStepFinish     EventType = "step-finish"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// Terminal reports whether no event follows one of this type.
func (t EventType) Terminal() bool {
	return t == EventFinish || t == EventError
}

// ErrorInfo is the wire form of a failed run.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Event is one item of the incremental execution sequence. It marshals to the
// JSON pushed to streaming clients.
type Event struct {
	Type         EventType       `json:"type"`
	Step         *int            `json:"step,omitempty"`
	Text         string          `json:"text,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       *string         `json:"output,omitempty"`
	IsError      bool            `json:"isError,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Usage        *models.Usage   `json:"usage,omitempty"`
	Steps        int             `json:"steps,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`

	// Err and Result are set on terminal events. Result is partial on error.
	Err    *apperr.Error `json:"-"`
	Result *Result       `json:"-"`
}

// Request is one execution of the step loop.
type Request struct {
	Provider        LLMProvider
	Model           string
	Messages        []models.Message
	Tools           *toolset.Set
	MaxOutputTokens int
	Temperature     *float64
	MaxSteps        int
	OutputFormat    models.OutputFormat
	ProviderOptions map[string]any
}

// Result is the outcome of an execution.
type Result struct {
	// Text is the text of the final step.
	Text         string
	FinishReason string
	// Messages is the input conversation followed by everything generated.
	Messages []models.Message
	Steps    []models.TranscriptStep
	Usage    models.Usage
}

// Engine runs the step loop. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("component", "engine")}
}

// Run executes req and returns its event sequence. The channel ends with
// exactly one finish or error event and is then closed. The caller must drain
// it; cancelling ctx makes the loop stop at the next suspension point and end
// with an AbortError event.
func (e *Engine) Run(ctx context.Context, req *Request) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		r := &execution{
			req:      req,
			out:      out,
			logger:   e.logger,
			messages: models.CloneMessages(req.Messages),
		}
		r.loop(ctx)
	}()
	return out
}

// Generate executes req to completion and returns the final result.
func (e *Engine) Generate(ctx context.Context, req *Request) (*Result, error) {
	var terminal Event
	for ev := range e.Run(ctx, req) {
		if ev.Type.Terminal() {
			terminal = ev
		}
	}
	if terminal.Err != nil {
		return terminal.Result, terminal.Err
	}
	return terminal.Result, nil
}

type execution struct {
	req      *Request
	out      chan<- Event
	logger   *slog.Logger
	messages []models.Message
	steps    []models.TranscriptStep
	usage    models.Usage
}

func (r *execution) loop(ctx context.Context) {
	maxSteps := r.req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = models.DefaultMaxStepCount
	}

	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			r.fail(err)
			return
		}
		r.emit(ctx, Event{Type: EventStepStart, Step: intPtr(i)})

		step, pending, err := r.step(ctx, i)
		if step != nil {
			r.steps = append(r.steps, *step)
			r.usage.Add(step.Usage)
		}
		if err != nil {
			r.fail(err)
			return
		}
		stepUsage := step.Usage
		r.emit(ctx, Event{
			Type:         EventStepFinish,
			Step:         intPtr(i),
			FinishReason: step.FinishReason,
			Usage:        &stepUsage,
		})

		if len(step.ToolCalls) == 0 || pending {
			break
		}
	}
	r.finish()
}

// step performs one model round trip and runs the tools it asks for. pending
// is true when a call targets a tool only the caller can execute.
func (r *execution) step(ctx context.Context, index int) (*models.TranscriptStep, bool, error) {
	chunks, err := r.req.Provider.Complete(ctx, r.completionRequest())
	if err != nil {
		return nil, false, err
	}

	step := &models.TranscriptStep{Index: index}
	var text, reasoning strings.Builder
	var streamErr error
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			if streamErr == nil {
				streamErr = chunk.Error
			}
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			r.emit(ctx, Event{Type: EventTextDelta, Text: chunk.Text})
		case chunk.Reasoning != "":
			reasoning.WriteString(chunk.Reasoning)
			r.emit(ctx, Event{Type: EventReasoningDelta, Text: chunk.Reasoning})
		case chunk.ToolCall != nil:
			call := *chunk.ToolCall
			if len(call.Input) == 0 {
				call.Input = json.RawMessage(`{}`)
			}
			step.ToolCalls = append(step.ToolCalls, call)
			r.emit(ctx, Event{Type: EventToolCall, ToolCallID: call.ID, ToolName: call.Name, Input: call.Input})
		}
		if chunk.Done {
			step.FinishReason = chunk.FinishReason
			if chunk.Usage != nil {
				step.Usage = *chunk.Usage
			}
		}
	}
	step.Text = text.String()
	step.Reasoning = reasoning.String()

	if err := ctx.Err(); err != nil {
		return step, false, err
	}
	if streamErr != nil {
		return step, false, streamErr
	}

	if len(step.ToolCalls) > 0 {
		step.FinishReason = FinishToolCalls
	} else if step.FinishReason == "" {
		step.FinishReason = FinishStop
	}

	r.messages = append(r.messages, models.Message{
		Role:      models.RoleAssistant,
		Content:   step.Text,
		ToolCalls: step.ToolCalls,
	})

	pending := false
	for _, call := range step.ToolCalls {
		result, ok, err := r.execute(ctx, call)
		if err != nil {
			return step, false, err
		}
		if !ok {
			pending = true
			continue
		}
		step.ToolResults = append(step.ToolResults, result)
		output := result.Content
		r.emit(ctx, Event{
			Type:       EventToolResult,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Output:     &output,
			IsError:    result.IsError,
		})
	}
	if len(step.ToolResults) > 0 {
		r.messages = append(r.messages, models.Message{
			Role:        models.RoleTool,
			ToolResults: step.ToolResults,
		})
	}
	return step, pending, nil
}

// execute runs one tool call. ok is false for tools without an executor; the
// call is left for the caller to resolve.
func (r *execution) execute(ctx context.Context, call models.ToolCall) (models.ToolResult, bool, error) {
	result := models.ToolResult{ToolCallID: call.ID, ToolName: call.Name}

	tool, found := r.req.Tools.Lookup(call.Name)
	if !found {
		result.Content = fmt.Sprintf("tool %q is not available", call.Name)
		result.IsError = true
		return result, true, nil
	}
	if !tool.HasExecutor() {
		return result, false, nil
	}

	out, isErr, err := tool.Execute(ctx, call.Input)
	if err != nil {
		if ctx.Err() != nil {
			return result, true, ctx.Err()
		}
		r.logger.Warn("tool call failed", "tool", call.Name, "server_id", tool.ServerID, "error", err)
		out, isErr = err.Error(), true
	}
	result.Content = out
	result.IsError = isErr
	return result, true, nil
}

func (r *execution) completionRequest() *CompletionRequest {
	req := &CompletionRequest{
		Model:       r.req.Model,
		Messages:    r.messages,
		MaxTokens:   r.req.MaxOutputTokens,
		Temperature: r.req.Temperature,
		JSONOutput:  r.req.OutputFormat == models.OutputJSON,
	}
	for _, t := range r.req.Tools.Tools() {
		req.Tools = append(req.Tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	applyProviderOptions(req, r.req.ProviderOptions)
	return req
}

func (r *execution) result() *Result {
	res := &Result{
		Messages: r.messages,
		Steps:    r.steps,
		Usage:    r.usage,
	}
	if n := len(r.steps); n > 0 {
		res.Text = r.steps[n-1].Text
		res.FinishReason = r.steps[n-1].FinishReason
	}
	return res
}

func (r *execution) finish() {
	res := r.result()
	usage := res.Usage
	r.out <- Event{
		Type:         EventFinish,
		Text:         res.Text,
		FinishReason: res.FinishReason,
		Usage:        &usage,
		Steps:        len(res.Steps),
		Result:       res,
	}
}

// fail sends the terminal error event. Cancellation becomes an AbortError and
// anything not already categorized is attributed to the model backend.
func (r *execution) fail(err error) {
	var appErr *apperr.Error
	switch kind := apperr.KindOf(err); {
	case kind == apperr.KindAborted:
		appErr = apperr.Normalize(err)
	case kind != apperr.KindInternal:
		appErr, _ = apperr.As(err)
	default:
		appErr = apperr.Upstream(err)
	}
	r.out <- Event{
		Type:   EventError,
		Error:  toErrorInfo(appErr),
		Err:    appErr,
		Result: r.result(),
	}
}

// emit delivers a non-terminal event unless the run has been cancelled.
func (r *execution) emit(ctx context.Context, ev Event) {
	select {
	case r.out <- ev:
	case <-ctx.Done():
	}
}

func toErrorInfo(err *apperr.Error) *ErrorInfo {
	msg := err.PublicMessage()
	if err.Kind == apperr.KindUpstream && err.Cause != nil {
		msg = err.Cause.Error()
	}
	return &ErrorInfo{Name: err.Name(), Message: msg}
}

func intPtr(i int) *int { return &i }
