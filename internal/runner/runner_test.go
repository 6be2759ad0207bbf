package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/auth"
	"github.com/victorchrollo14/agent0-sub000/internal/blob"
	"github.com/victorchrollo14/agent0-sub000/internal/ledger"
	"github.com/victorchrollo14/agent0-sub000/internal/mcp"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
	"github.com/victorchrollo14/agent0-sub000/internal/toolset"
	"github.com/victorchrollo14/agent0-sub000/internal/usage"
	"github.com/victorchrollo14/agent0-sub000/internal/vault"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// fakeProvider replays one turn per Complete call. A turn ending in a nil
// chunk blocks until the context is cancelled.
type fakeProvider struct {
	mu       sync.Mutex
	turns    [][]*agent.CompletionChunk
	requests []*agent.CompletionRequest
	err      error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if i >= len(p.turns) {
		return nil, errors.New("unexpected model call")
	}
	ch := make(chan *agent.CompletionChunk)
	go func() {
		defer close(ch)
		for _, c := range p.turns[i] {
			if c == nil {
				<-ctx.Done()
				return
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *fakeProvider) lastRequest() *agent.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeConn struct {
	tools  map[string]*mcp.MCPTool
	closed atomic.Int32
}

func (c *fakeConn) Tool(name string) (*mcp.MCPTool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "found it"}}}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

type connCounter struct {
	opened atomic.Int32
	closed atomic.Int32
}

func (o *connCounter) ConnectionOpened(string)  { o.opened.Add(1) }
func (o *connCounter) ConnectionsClosed(n int) { o.closed.Add(int32(n)) }

type fixture struct {
	runner   *Runner
	stores   storage.StoreSet
	runs     *storage.MemoryRunStore
	blobs    *blob.MemoryStore
	provider *fakeProvider
	conns    *connCounter
	catalog  map[string]*mcp.MCPTool
	factory  struct {
		mu    sync.Mutex
		types []string
	}
	principal *auth.Principal
}

func newFixture(t *testing.T, version models.AgentVersion) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		stores:    storage.NewMemoryStores(),
		blobs:     blob.NewMemoryStore(),
		provider:  &fakeProvider{},
		conns:     &connCounter{},
		principal: &auth.Principal{Method: auth.MethodAPIKey, WorkspaceID: "w1"},
		catalog: map[string]*mcp.MCPTool{
			"search": {Name: "search", Description: "web search", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}
	f.runs = f.stores.Runs.(*storage.MemoryRunStore)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(f.stores.Agents.CreateAgent(ctx, &models.Agent{ID: "a1", WorkspaceID: "w1", Name: "helper"}))
	if version.ID == "" {
		version.ID = "v1"
	}
	version.AgentID = "a1"
	version.WorkspaceID = "w1"
	if version.Model.ProviderID == "" {
		version.Model = models.ModelRef{ProviderID: "p1", Name: "gpt-5"}
	}
	if version.Messages == nil {
		version.Messages = []models.Message{
			{Role: models.RoleSystem, Content: "You help {{ name }}."},
			{Role: models.RoleUser, Content: "Hi"},
		}
	}
	must(f.stores.Agents.CreateVersion(ctx, &version))
	must(f.stores.Agents.Deploy(ctx, "a1", models.EnvironmentProduction, version.ID))
	must(f.stores.Providers.CreateProvider(ctx, &models.Provider{ID: "p1", WorkspaceID: "w1", Type: "openai", EncryptedConfig: `{"api_key":"sk-test"}`}))
	must(f.stores.Providers.CreateProvider(ctx, &models.Provider{ID: "p2", WorkspaceID: "w2", Type: "openai", EncryptedConfig: `{"api_key":"sk-other"}`}))
	must(f.stores.ToolServers.CreateToolServer(ctx, &models.ToolServer{ID: "s1", WorkspaceID: "w1", EncryptedConfig: `{"url":"https://s1.example.com/mcp"}`}))

	dial := func(ctx context.Context, cfg *mcp.ServerConfig) (toolset.Conn, error) {
		return &fakeConn{tools: f.catalog}, nil
	}
	assembler := toolset.NewAssembler(f.stores.ToolServers, vault.Plain{},
		toolset.WithDialer(dial),
		toolset.WithObserver(f.conns),
	)
	authn := auth.NewAuthenticator(nil, f.stores.APIKeys, f.stores.Members, nil)
	l := ledger.New(f.runs, f.blobs, usage.NewPriceTable(nil))
	factory := func(ctx context.Context, typ string, cfg models.ProviderConfig) (agent.LLMProvider, error) {
		f.factory.mu.Lock()
		f.factory.types = append(f.factory.types, typ)
		f.factory.mu.Unlock()
		if cfg.APIKey != "sk-test" {
			return nil, errors.New("wrong credentials")
		}
		return f.provider, nil
	}
	f.runner = New(f.stores, vault.Plain{}, authn, assembler, agent.NewEngine(nil), l,
		WithProviderFactory(factory),
		WithConfig(Config{MaxStepLimit: 20}),
	)
	return f
}

func (f *fixture) assertBalanced(t *testing.T) {
	t.Helper()
	if o, c := f.conns.opened.Load(), f.conns.closed.Load(); o != c {
		t.Fatalf("connections opened = %d, closed = %d", o, c)
	}
}

func textTurn(text string, in, out int) []*agent.CompletionChunk {
	return []*agent.CompletionChunk{
		{Text: text},
		{Done: true, FinishReason: agent.FinishStop, Usage: &models.Usage{InputTokens: in, OutputTokens: out}},
	}
}

func drain(t *testing.T, ch <-chan agent.Event) []agent.Event {
	t.Helper()
	var events []agent.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func TestBlockingRunWithoutTools(t *testing.T) {
	f := newFixture(t, models.AgentVersion{MaxStepCount: 5})
	f.provider.turns = [][]*agent.CompletionChunk{textTurn("Hello!", 12, 3)}

	session, err := f.runner.Prepare(context.Background(), f.principal, &Request{
		AgentID:   "a1",
		Variables: map[string]string{"name": `Ada "the" Countess`},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	res, err := session.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "Hello!" || len(res.Messages) != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := f.provider.lastRequest().Messages[0].Content; got != `You help Ada "the" Countess.` {
		t.Fatalf("system prompt = %q", got)
	}
	if session.State() != StateFinished {
		t.Fatalf("state = %s", session.State())
	}

	records := f.runs.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.IsError || rec.IsStream || rec.IsTest || rec.Tokens != 15 || rec.ID != session.RunID() {
		t.Fatalf("record = %+v", rec)
	}
	if rec.PreProcessingTime == nil || rec.FirstTokenTime == nil || rec.ResponseTime == nil {
		t.Fatalf("timings missing: %+v", rec)
	}
	if rec.Cost == nil {
		t.Fatal("gpt-5 should be priced")
	}
	f.assertBalanced(t)
}

func TestStreamingDisconnectIsRecordedOnce(t *testing.T) {
	f := newFixture(t, models.AgentVersion{Tools: []models.ToolDefinition{models.NewMCPTool("s1", "search")}})
	f.provider.turns = [][]*agent.CompletionChunk{{{Text: "partial"}, nil}}

	session, err := f.runner.Prepare(context.Background(), f.principal, &Request{AgentID: "a1", Stream: true})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if f.conns.opened.Load() != 1 {
		t.Fatalf("opened = %d, want 1", f.conns.opened.Load())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := session.Events(ctx)
	for ev := range events {
		if ev.Type == agent.EventTextDelta {
			cancel()
			break
		}
	}
	for range events {
	}

	records := f.runs.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if !records[0].IsError || records[0].ErrorName != "AbortError" || !records[0].IsStream {
		t.Fatalf("record = %+v", records[0])
	}
	if session.State() != StateAborted {
		t.Fatalf("state = %s", session.State())
	}
	f.assertBalanced(t)

	if _, err := session.run.Finalize(context.Background(), ledger.Result{}); err != nil {
		t.Fatal(err)
	}
	if len(f.runs.Records()) != 1 {
		t.Fatal("a second record was written for the same attempt")
	}
}

func TestOverridesReachModelBackend(t *testing.T) {
	f := newFixture(t, models.AgentVersion{ProviderOptions: map[string]any{"top_p": 0.5, "reasoning_effort": "low"}})
	f.provider.turns = [][]*agent.CompletionChunk{textTurn("ok", 1, 1)}

	temp := 0.2
	steps := 3
	session, err := f.runner.Prepare(context.Background(), f.principal, &Request{
		AgentID: "a1",
		Overrides: &models.RunOverrides{
			Model:           &models.ModelOverride{Name: "gpt-5-mini"},
			Temperature:     &temp,
			MaxStepCount:    &steps,
			ProviderOptions: map[string]any{"reasoning_effort": "high"},
		},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := session.Generate(context.Background()); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	req := f.provider.lastRequest()
	if req.Model != "gpt-5-mini" || *req.Temperature != 0.2 {
		t.Fatalf("request model = %s temperature = %v", req.Model, *req.Temperature)
	}
	if req.ReasoningEffort != "high" || req.TopP == nil || *req.TopP != 0.5 {
		t.Fatalf("provider options not merged: effort=%q top_p=%v", req.ReasoningEffort, req.TopP)
	}
	stored, _ := f.stores.Agents.GetVersion(context.Background(), "v1")
	if stored.Model.Name != "gpt-5" || stored.ProviderOptions["reasoning_effort"] != "low" {
		t.Fatalf("stored version was modified: %+v", stored)
	}
	if rec := f.runs.Records()[0]; rec.Model != "gpt-5-mini" {
		t.Fatalf("record model = %q", rec.Model)
	}
}

func TestMissingCatalogToolFailsBeforeGeneration(t *testing.T) {
	f := newFixture(t, models.AgentVersion{Tools: []models.ToolDefinition{models.NewMCPTool("s1", "search")}})
	delete(f.catalog, "search")

	_, err := f.runner.Prepare(context.Background(), f.principal, &Request{AgentID: "a1"})
	if apperr.KindOf(err) != apperr.KindToolResolution {
		t.Fatalf("error = %v, want ToolResolutionError", err)
	}
	if f.provider.calls() != 0 {
		t.Fatal("model backend was called")
	}
	if len(f.runs.Records()) != 0 {
		t.Fatal("no record is written before execution starts")
	}
	if f.conns.opened.Load() != 1 {
		t.Fatalf("opened = %d, want 1", f.conns.opened.Load())
	}
	f.assertBalanced(t)
}

func TestExtraToolDuplicateTitleRejected(t *testing.T) {
	f := newFixture(t, models.AgentVersion{Tools: []models.ToolDefinition{
		models.NewCustomTool("approve", "ask a human", nil),
		models.NewMCPTool("s1", "search"),
	}})

	_, err := f.runner.Prepare(context.Background(), f.principal, &Request{
		AgentID:    "a1",
		ExtraTools: []models.ToolDefinition{models.NewCustomTool("approve", "duplicate", nil)},
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if f.conns.opened.Load() != 0 {
		t.Fatal("no tool server should be contacted for a rejected request")
	}
}

func TestExtraToolsMerge(t *testing.T) {
	f := newFixture(t, models.AgentVersion{Tools: []models.ToolDefinition{models.NewMCPTool("s1", "search")}})
	f.provider.turns = [][]*agent.CompletionChunk{textTurn("ok", 1, 1)}

	session, err := f.runner.Prepare(context.Background(), f.principal, &Request{
		AgentID: "a1",
		ExtraTools: []models.ToolDefinition{
			models.NewMCPTool("s1", "search"),
			models.NewCustomTool("notify", "tell the user", json.RawMessage(`{"type":"object"}`)),
		},
		ExtraMessages: []models.Message{{Role: models.RoleUser, Content: "literal {{ name }}"}},
		Variables:     map[string]string{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := session.Generate(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := f.provider.lastRequest()
	if len(req.Tools) != 2 {
		t.Fatalf("tools = %+v, want search and notify", req.Tools)
	}
	msgs := req.Messages
	if msgs[0].Content != "You help Ada." || msgs[len(msgs)-1].Content != "literal {{ name }}" {
		t.Fatalf("messages = %+v", msgs)
	}
	f.assertBalanced(t)
}

func TestUpstreamErrorIsRecorded(t *testing.T) {
	f := newFixture(t, models.AgentVersion{Tools: []models.ToolDefinition{models.NewMCPTool("s1", "search")}})
	f.provider.err = errors.New("503 service unavailable")

	session, err := f.runner.Prepare(context.Background(), f.principal, &Request{AgentID: "a1", Stream: true})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	events := drain(t, session.Events(context.Background()))
	last := events[len(events)-1]
	if last.Type != agent.EventError || last.Error.Name != "UpstreamError" {
		t.Fatalf("last event = %+v", last)
	}
	// The record exists by the time the terminal event is observed.
	rec := f.runs.Records()
	if len(rec) != 1 || !rec[0].IsError || rec[0].ErrorName != "UpstreamError" {
		t.Fatalf("records = %+v", rec)
	}
	var transcript models.RunTranscript
	if err := blob.GetJSON(context.Background(), f.blobs, blob.RunKey(session.RunID()), &transcript); err != nil {
		t.Fatal(err)
	}
	if transcript.Error == nil || transcript.Error.Cause == "" {
		t.Fatalf("transcript error = %+v", transcript.Error)
	}
	if session.State() != StateErrored {
		t.Fatalf("state = %s", session.State())
	}
	f.assertBalanced(t)
}

func TestPrepareRejections(t *testing.T) {
	tests := []struct {
		name    string
		version models.AgentVersion
		p       *auth.Principal
		req     *Request
		want    apperr.Kind
	}{
		{
			name: "other workspace",
			p:    &auth.Principal{Method: auth.MethodAPIKey, WorkspaceID: "w2"},
			req:  &Request{AgentID: "a1"},
			want: apperr.KindAccessDenied,
		},
		{
			name: "unknown agent",
			req:  &Request{AgentID: "nope"},
			want: apperr.KindNotFound,
		},
		{
			name: "nothing deployed to staging",
			req:  &Request{AgentID: "a1", Environment: models.EnvironmentStaging},
			want: apperr.KindNotFound,
		},
		{
			name: "bad environment",
			req:  &Request{AgentID: "a1", Environment: "qa"},
			want: apperr.KindValidation,
		},
		{
			name:    "provider in other workspace",
			version: models.AgentVersion{Model: models.ModelRef{ProviderID: "p2", Name: "gpt-5"}},
			req:     &Request{AgentID: "a1"},
			want:    apperr.KindAccessDenied,
		},
		{
			name:    "unknown provider",
			version: models.AgentVersion{Model: models.ModelRef{ProviderID: "p9", Name: "gpt-5"}},
			req:     &Request{AgentID: "a1"},
			want:    apperr.KindNotFound,
		},
		{
			name:    "step limit",
			version: models.AgentVersion{MaxStepCount: 21},
			req:     &Request{AgentID: "a1"},
			want:    apperr.KindValidation,
		},
		{
			name: "unknown tool server",
			version: models.AgentVersion{Tools: []models.ToolDefinition{
				models.NewMCPTool("s9", "search"),
			}},
			req:  &Request{AgentID: "a1"},
			want: apperr.KindToolResolution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.version)
			p := tt.p
			if p == nil {
				p = f.principal
			}
			_, err := f.runner.Prepare(context.Background(), p, tt.req)
			if apperr.KindOf(err) != tt.want {
				t.Fatalf("error = %v, want %s", err, tt.want)
			}
			if len(f.runs.Records()) != 0 {
				t.Fatal("rejected request wrote a record")
			}
			f.assertBalanced(t)
		})
	}
}

func TestTestPathAppliesDraft(t *testing.T) {
	f := newFixture(t, models.AgentVersion{})
	f.provider.turns = [][]*agent.CompletionChunk{textTurn("draft ok", 2, 2)}
	if err := f.stores.Members.AddMember(context.Background(), "w1", "user-1"); err != nil {
		t.Fatal(err)
	}

	format := models.OutputJSON
	session, err := f.runner.Prepare(context.Background(), &auth.Principal{Method: auth.MethodBearer, UserID: "user-1"}, &Request{
		VersionID: "v1",
		Stream:    true,
		Draft: &models.VersionDraft{
			Messages:     []models.Message{{Role: models.RoleUser, Content: "Draft for {{name}}"}},
			OutputFormat: &format,
		},
		Variables: map[string]string{"name": "Bo"},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	drain(t, session.Events(context.Background()))

	req := f.provider.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "Draft for Bo" || !req.JSONOutput {
		t.Fatalf("request = %+v", req)
	}
	if rec := f.runs.Records()[0]; !rec.IsTest || !rec.IsStream {
		t.Fatalf("record = %+v", rec)
	}

	_, err = f.runner.Prepare(context.Background(), &auth.Principal{Method: auth.MethodBearer, UserID: "stranger"}, &Request{VersionID: "v1"})
	if apperr.KindOf(err) != apperr.KindAccessDenied {
		t.Fatalf("non-member error = %v", err)
	}
}

func TestCloseWithoutExecution(t *testing.T) {
	f := newFixture(t, models.AgentVersion{Tools: []models.ToolDefinition{models.NewMCPTool("s1", "search")}})
	session, err := f.runner.Prepare(context.Background(), f.principal, &Request{AgentID: "a1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Close(); err != nil {
		t.Fatal(err)
	}
	if err := session.Close(); err != nil {
		t.Fatal(err)
	}
	f.assertBalanced(t)
	if events := drain(t, session.Events(context.Background())); len(events) != 0 {
		t.Fatalf("closed session produced %d events", len(events))
	}
	if len(f.runs.Records()) != 0 {
		t.Fatal("unexecuted session wrote a record")
	}
}

func TestGenerateTwiceFails(t *testing.T) {
	f := newFixture(t, models.AgentVersion{})
	f.provider.turns = [][]*agent.CompletionChunk{textTurn("once", 1, 1)}
	session, err := f.runner.Prepare(context.Background(), f.principal, &Request{AgentID: "a1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := session.Generate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Generate(context.Background()); apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("second Generate() error = %v", err)
	}
}
