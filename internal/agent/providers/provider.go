// Package providers adapts model backends to agent.LLMProvider.
//
// Each backend streams its native events and converts them to
// agent.CompletionChunk values: text and reasoning deltas as they arrive, tool
// calls once their arguments are complete, and a final Done chunk carrying the
// normalized finish reason and token usage. Usage is normalized so that
// InputTokens always includes cached input tokens.
package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// Provider types accepted by New.
const (
	TypeOpenAI           = "openai"
	TypeOpenAICompatible = "openai-compatible"
	TypeAnthropic        = "anthropic"
	TypeGoogle           = "google"
)

// Config configures any backend.
type Config struct {
	APIKey  string
	BaseURL string
	OrgID   string
	Headers map[string]string

	// MaxRetries bounds attempts to open a stream. Default: 3
	MaxRetries int
	// RetryDelay is the first backoff; it doubles per attempt. Default: 1s
	RetryDelay time.Duration

	// HTTPClient is used for all backend calls. Default: a client with no
	// overall timeout, since streams are long lived.
	HTTPClient *http.Client
}

// ConfigFrom builds a Config from decrypted provider credentials.
func ConfigFrom(pc models.ProviderConfig) Config {
	return Config{
		APIKey:  pc.APIKey,
		BaseURL: pc.BaseURL,
		OrgID:   pc.OrgID,
		Headers: pc.Headers,
	}
}

// New constructs the backend for providerType. Unknown types are a
// ValidationError.
func New(ctx context.Context, providerType string, cfg Config) (agent.LLMProvider, error) {
	switch strings.ToLower(providerType) {
	case TypeOpenAI:
		return NewOpenAIProvider(TypeOpenAI, cfg)
	case TypeOpenAICompatible:
		if cfg.BaseURL == "" {
			return nil, apperr.Validation("provider type %q requires base_url", providerType)
		}
		return NewOpenAIProvider(TypeOpenAICompatible, cfg)
	case TypeAnthropic:
		return NewAnthropicProvider(cfg)
	case TypeGoogle:
		return NewGoogleProvider(ctx, cfg)
	default:
		return nil, apperr.Validation("unsupported provider type %q", providerType)
	}
}

func (c Config) httpClient() *http.Client {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if len(c.Headers) == 0 {
		return client
	}
	clone := *client
	next := clone.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerTransport{headers: c.Headers, next: next}
	return &clone
}

// headerTransport adds static headers to every request.
type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}
