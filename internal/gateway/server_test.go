package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/internal/auth"
	"github.com/victorchrollo14/agent0-sub000/internal/blob"
	"github.com/victorchrollo14/agent0-sub000/internal/ledger"
	"github.com/victorchrollo14/agent0-sub000/internal/observability"
	"github.com/victorchrollo14/agent0-sub000/internal/ratelimit"
	"github.com/victorchrollo14/agent0-sub000/internal/runner"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
	"github.com/victorchrollo14/agent0-sub000/internal/toolset"
	"github.com/victorchrollo14/agent0-sub000/internal/usage"
	"github.com/victorchrollo14/agent0-sub000/internal/vault"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

const (
	liveKey  = "a0_live_w1"
	otherKey = "a0_live_w2"
)

// scriptedProvider answers every call with the same chunks, sleeping delay
// before each one. A nil chunk blocks until the request is cancelled.
type scriptedProvider struct {
	chunks []*agent.CompletionChunk
	delay  time.Duration
	err    error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *agent.CompletionChunk)
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			if c == nil {
				<-ctx.Done()
				return
			}
			if p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
					return
				}
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

type testEnv struct {
	server   *Server
	handler  http.Handler
	stores   storage.StoreSet
	runs     *storage.MemoryRunStore
	blobs    *blob.MemoryStore
	provider *scriptedProvider
	jwt      *auth.JWTService
	registry *prometheus.Registry
}

type envOption func(*Config, *[]Option)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{
		stores: storage.NewMemoryStores(),
		blobs:  blob.NewMemoryStore(),
		provider: &scriptedProvider{chunks: []*agent.CompletionChunk{
			{Text: "Hello"},
			{Text: " there"},
			{Done: true, FinishReason: agent.FinishStop, Usage: &models.Usage{InputTokens: 9, OutputTokens: 2}},
		}},
		jwt:      auth.NewJWTService("test-secret", "agent0", time.Hour),
		registry: prometheus.NewRegistry(),
	}
	env.runs = env.stores.Runs.(*storage.MemoryRunStore)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(env.stores.Agents.CreateAgent(ctx, &models.Agent{ID: "a1", WorkspaceID: "w1", Name: "greeter"}))
	must(env.stores.Agents.CreateVersion(ctx, &models.AgentVersion{
		ID:          "v1",
		AgentID:     "a1",
		WorkspaceID: "w1",
		Model:       models.ModelRef{ProviderID: "p1", Name: "gpt-5"},
		Messages:    []models.Message{{Role: models.RoleUser, Content: "Greet {{who}}"}},
	}))
	must(env.stores.Agents.Deploy(ctx, "a1", models.EnvironmentProduction, "v1"))
	must(env.stores.Agents.CreateAgent(ctx, &models.Agent{ID: "a2", WorkspaceID: "w1", Name: "broken"}))
	must(env.stores.Agents.CreateVersion(ctx, &models.AgentVersion{
		ID:          "v2",
		AgentID:     "a2",
		WorkspaceID: "w1",
		Model:       models.ModelRef{ProviderID: "p1", Name: "gpt-5"},
		Messages:    []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tools:       []models.ToolDefinition{models.NewMCPTool("missing-server", "search")},
	}))
	must(env.stores.Agents.Deploy(ctx, "a2", models.EnvironmentProduction, "v2"))
	must(env.stores.Providers.CreateProvider(ctx, &models.Provider{ID: "p1", WorkspaceID: "w1", Type: "openai", EncryptedConfig: `{"api_key":"sk"}`}))
	must(env.stores.APIKeys.CreateAPIKey(ctx, &models.APIKey{ID: "k1", WorkspaceID: "w1", KeyHash: auth.HashAPIKey(liveKey)}))
	must(env.stores.APIKeys.CreateAPIKey(ctx, &models.APIKey{ID: "k2", WorkspaceID: "w2", KeyHash: auth.HashAPIKey(otherKey)}))
	must(env.stores.Members.AddMember(ctx, "w1", "editor-1"))

	metrics := observability.NewMetrics(env.registry)
	authn := auth.NewAuthenticator(env.jwt, env.stores.APIKeys, env.stores.Members, nil)
	l := ledger.New(env.runs, env.blobs, usage.NewPriceTable(nil), ledger.WithMetrics(metrics))
	factory := func(ctx context.Context, typ string, cfg models.ProviderConfig) (agent.LLMProvider, error) {
		return env.provider, nil
	}
	r := runner.New(env.stores, vault.Plain{}, authn, toolset.NewAssembler(env.stores.ToolServers, vault.Plain{}),
		agent.NewEngine(nil), l, runner.WithProviderFactory(factory))

	cfg := Config{HeartbeatInterval: time.Hour, CORSOrigins: []string{"https://editor.example.com"}}
	serverOpts := []Option{WithMetrics(metrics, env.registry)}
	for _, opt := range opts {
		opt(&cfg, &serverOpts)
	}
	env.server = New(cfg, r, authn, l, serverOpts...)
	env.handler = env.server.Handler()
	return env
}

func withHeartbeat(d time.Duration) envOption {
	return func(c *Config, _ *[]Option) { c.HeartbeatInterval = d }
}

func withLimiter(l *ratelimit.Limiter) envOption {
	return func(_ *Config, opts *[]Option) { *opts = append(*opts, WithRateLimiter(l)) }
}

func (env *testEnv) post(t *testing.T, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func apiKey(key string) http.Header {
	return http.Header{"X-Api-Key": {key}}
}

func (env *testEnv) bearer(t *testing.T, userID, workspaceID string) http.Header {
	t.Helper()
	token, err := env.jwt.Generate(userID, workspaceID)
	if err != nil {
		t.Fatal(err)
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return body.Message
}

// frames splits an SSE body into data payloads and comment lines.
func frames(t *testing.T, body string) (data []agent.Event, comments []string) {
	t.Helper()
	for _, frame := range strings.Split(body, "\r\n\r\n") {
		switch {
		case frame == "":
		case strings.HasPrefix(frame, "data: "):
			var ev agent.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
				t.Fatalf("frame %q: %v", frame, err)
			}
			data = append(data, ev)
		case strings.HasPrefix(frame, ": "):
			comments = append(comments, frame)
		default:
			t.Fatalf("unexpected frame %q", frame)
		}
	}
	return data, comments
}

func TestRunBlocking(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, `{"agent_id":"a1","variables":{"who":"Ada"}}`, apiKey(liveKey))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Text != "Hello there" || len(body.Messages) != 2 || body.Messages[0].Content != "Greet Ada" {
		t.Fatalf("body = %+v", body)
	}

	records := env.runs.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if got := rec.Header().Get(runIDHeader); got == "" || got != records[0].ID {
		t.Fatalf("run id header = %q, record = %q", got, records[0].ID)
	}
	if records[0].IsError || records[0].IsStream || records[0].Tokens != 11 {
		t.Fatalf("record = %+v", records[0])
	}
}

func TestRunAuthFailures(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		body   string
		header http.Header
		status int
	}{
		{"no credentials", `{"agent_id":"a1"}`, nil, http.StatusUnauthorized},
		{"no credentials with bad body", `{`, nil, http.StatusUnauthorized},
		{"unknown key", `{"agent_id":"a1"}`, apiKey("nope"), http.StatusUnauthorized},
		{"garbage bearer", `{"agent_id":"a1"}`, http.Header{"Authorization": {"Bearer x.y.z"}}, http.StatusUnauthorized},
		{"other workspace", `{"agent_id":"a1"}`, apiKey(otherKey), http.StatusForbidden},
		{"test path with api key", `{"version_id":"v1"}`, apiKey(liveKey), http.StatusUnauthorized},
		{"test path non member", `{"version_id":"v1"}`, env.bearer(t, "stranger", ""), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.post(t, tt.body, tt.header)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if decodeMessage(t, rec) == "" {
				t.Fatal("error body has no message")
			}
		})
	}
	if n := len(env.runs.Records()); n != 0 {
		t.Fatalf("rejected requests wrote %d records", n)
	}
}

func TestRunValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"agent_id":`, "invalid JSON body"},
		{"empty", ``, "request body is required"},
		{"neither id", `{"variables":{}}`, "one of agent_id or version_id is required"},
		{"both ids", `{"agent_id":"a1","version_id":"v1"}`, "agent_id cannot be combined with version_id"},
		{"environment", `{"agent_id":"a1","environment":"qa"}`, "environment must be one of: staging production"},
		{"temperature", `{"agent_id":"a1","overrides":{"temperature":3}}`, "overrides.temperature must be at most 2"},
		{"step count", `{"agent_id":"a1","overrides":{"max_step_count":500}}`, "overrides.max_step_count must be at most 50"},
		{"message role", `{"agent_id":"a1","extra_messages":[{"role":"robot","content":"x"}]}`, "invalid role"},
		{"tool shape", `{"agent_id":"a1","extra_tools":[{"type":"mcp"}]}`, "extra_tools[0]"},
		{"tool type", `{"agent_id":"a1","extra_tools":[{"type":"webhook"}]}`, "invalid JSON body"},
		{"duplicate custom tool", `{"agent_id":"a1","extra_tools":[{"type":"custom","title":"t","description":"d"},{"type":"custom","title":"t","description":"e"}]}`, "already defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.post(t, tt.body, apiKey(liveKey))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
			if msg := decodeMessage(t, rec); !strings.Contains(msg, tt.want) {
				t.Fatalf("message = %q, want it to contain %q", msg, tt.want)
			}
		})
	}
	if n := len(env.runs.Records()); n != 0 {
		t.Fatalf("invalid requests wrote %d records", n)
	}
}

func TestRunNotFound(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{`{"agent_id":"nope"}`, `{"agent_id":"a1","environment":"staging"}`} {
		rec := env.post(t, body, apiKey(liveKey))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d", body, rec.Code)
		}
	}
}

func TestRunStreaming(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, `{"agent_id":"a1","stream":true,"variables":{"who":"Bo"}}`, apiKey(liveKey))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rec.Header().Get(runIDHeader) == "" {
		t.Fatal("missing run id header")
	}
	events, _ := frames(t, rec.Body.String())
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == agent.EventTextDelta {
			text.WriteString(ev.Text)
		}
	}
	last := events[len(events)-1]
	if text.String() != "Hello there" || last.Type != agent.EventFinish || last.Usage.Total() != 11 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != agent.EventStepStart {
		t.Fatalf("first event = %s", events[0].Type)
	}
	if rec := env.runs.Records(); len(rec) != 1 || !rec[0].IsStream || rec[0].IsError {
		t.Fatalf("records = %+v", rec)
	}
}

func TestRunStreamingHeartbeat(t *testing.T) {
	env := newTestEnv(t, withHeartbeat(10*time.Millisecond))
	env.provider.delay = 40 * time.Millisecond

	rec := env.post(t, `{"agent_id":"a1","stream":true}`, apiKey(liveKey))
	body := rec.Body.String()
	events, pings := frames(t, body)
	if len(pings) == 0 {
		t.Fatalf("no heartbeat in %q", body)
	}
	for _, p := range pings {
		if !strings.HasPrefix(p, ": ping ") {
			t.Fatalf("heartbeat frame = %q", p)
		}
	}
	if !strings.HasSuffix(body, "\r\n\r\n") || strings.LastIndex(body, ": ping") > strings.LastIndex(body, "data: ") {
		t.Fatal("heartbeat written after the final event")
	}
	if events[len(events)-1].Type != agent.EventFinish {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}
	if got := counterValue(t, env.registry, "agent0_heartbeats_total"); got < 1 {
		t.Fatalf("heartbeat metric = %v", got)
	}
}

func TestRunStreamingUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	env.provider.err = errors.New("502 bad gateway")

	rec := env.post(t, `{"agent_id":"a1","stream":true}`, apiKey(liveKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	events, _ := frames(t, rec.Body.String())
	last := events[len(events)-1]
	if last.Type != agent.EventError || last.Error == nil || last.Error.Name != "UpstreamError" {
		t.Fatalf("last event = %+v", last)
	}
	records := env.runs.Records()
	if len(records) != 1 || !records[0].IsError || records[0].ErrorName != "UpstreamError" {
		t.Fatalf("records = %+v", records)
	}
}

func TestRunBlockingUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	env.provider.err = errors.New("502 bad gateway")

	rec := env.post(t, `{"agent_id":"a1"}`, apiKey(liveKey))
	if rec.Code != http.StatusInternalServerError || decodeMessage(t, rec) == "" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if records := env.runs.Records(); len(records) != 1 || !records[0].IsError {
		t.Fatalf("records = %+v", records)
	}
}

func TestToolResolutionErrorIsJSONEvenWhenStreaming(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, `{"agent_id":"a2","stream":true}`, apiKey(liveKey))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.Contains(decodeMessage(t, rec), "missing-server") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(env.runs.Records()) != 0 {
		t.Fatal("tool resolution failure wrote a record")
	}
}

func TestTestPathStreamsDraft(t *testing.T) {
	env := newTestEnv(t)
	body := `{"version_id":"v1","data":{"messages":[{"role":"user","content":"Draft {{who}}"}]},"variables":{"who":"Cy"}}`
	rec := env.post(t, body, env.bearer(t, "editor-1", ""))

	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status = %d content type = %q body = %s", rec.Code, rec.Header().Get("Content-Type"), rec.Body.String())
	}
	records := env.runs.Records()
	if len(records) != 1 || !records[0].IsTest {
		t.Fatalf("records = %+v", records)
	}

	rec = env.post(t, `{"version_id":"v1","stream":false}`, env.bearer(t, "editor-1", ""))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("blocking test run: status = %d content type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestStreamingClientDisconnect(t *testing.T) {
	env := newTestEnv(t, withHeartbeat(5*time.Millisecond))
	env.provider.chunks = []*agent.CompletionChunk{{Text: "first"}, nil}
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/run", strings.NewReader(`{"agent_id":"a1","stream":true}`))
	req.Header.Set("X-Api-Key", liveKey)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended early: %v", err)
		}
		if strings.Contains(line, `"text-delta"`) {
			break
		}
	}
	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for len(env.runs.Records()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("aborted run was not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	records := env.runs.Records()
	if len(records) != 1 || records[0].ErrorName != "AbortError" || !records[0].IsError {
		t.Fatalf("records = %+v", records)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t)
	rec := env.post(t, `{"agent_id":"a1"}`, apiKey(liveKey))
	runID := rec.Header().Get(runIDHeader)

	get := func(id string, header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/runs/"+id, nil)
		for k, v := range header {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec = get(runID, apiKey(liveKey))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body runLookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Record == nil || body.Record.ID != runID || body.Transcript == nil || len(body.Transcript.Steps) != 1 {
		t.Fatalf("body = %+v", body)
	}

	if rec := get(runID, apiKey(otherKey)); rec.Code != http.StatusForbidden {
		t.Fatalf("cross-workspace status = %d", rec.Code)
	}
	if rec := get("missing", apiKey(liveKey)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run status = %d", rec.Code)
	}
	if rec := get(runID, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	if err := env.blobs.Delete(context.Background(), blob.RunKey(runID)); err != nil {
		t.Fatal(err)
	}
	rec = get(runID, apiKey(liveKey))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"transcript":null`) {
		t.Fatalf("after transcript deletion: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Enabled: true, RequestsPerSecond: 0.001, BurstSize: 1})
	env := newTestEnv(t, withLimiter(limiter))

	if rec := env.post(t, `{"agent_id":"a1"}`, apiKey(liveKey)); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := env.post(t, `{"agent_id":"a1"}`, apiKey(liveKey))
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second request status = %d retry-after = %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if len(env.runs.Records()) != 1 {
		t.Fatal("rate limited request was executed")
	}
	if rec := env.post(t, `{"agent_id":"a1"}`, apiKey(otherKey)); rec.Code == http.StatusTooManyRequests {
		t.Fatal("workspaces must not share a bucket")
	}
}

func TestHealthzMetricsAndCORS(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "https://editor.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://editor.example.com" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/run", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin was allowed")
	}

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `agent0_http_requests_total{path="GET /healthz",status="200"} 1`) {
		t.Fatalf("metrics = %s", rec.Body.String())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewUnstartedServer(nil)
	listener := srv.Listener
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr = env.server.Serve(ctx, listener)
	}()

	url := "http://" + listener.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	if serveErr != nil {
		t.Fatalf("Serve() error = %v", serveErr)
	}
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
