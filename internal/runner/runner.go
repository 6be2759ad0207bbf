// Package runner orchestrates one agent run: authorization, version and
// credential resolution, tool assembly, prompt substitution, execution and
// exactly-once ledger finalization.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/internal/agent/providers"
	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/auth"
	"github.com/victorchrollo14/agent0-sub000/internal/ledger"
	"github.com/victorchrollo14/agent0-sub000/internal/observability"
	"github.com/victorchrollo14/agent0-sub000/internal/prompt"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
	"github.com/victorchrollo14/agent0-sub000/internal/toolset"
	"github.com/victorchrollo14/agent0-sub000/internal/vault"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// DefaultMaxStepLimit caps max_step_count when no limit is configured.
const DefaultMaxStepLimit = 50

// Request is one invocation. Either AgentID (deployed path) or VersionID
// (test path) is set.
type Request struct {
	AgentID       string
	Environment   models.Environment
	VersionID     string
	Draft         *models.VersionDraft
	Variables     map[string]string
	Stream        bool
	Overrides     *models.RunOverrides
	ExtraMessages []models.Message
	ExtraTools    []models.ToolDefinition

	// ReceivedAt is the request start used for timing marks. Zero means now.
	ReceivedAt time.Time
}

// Authorizer confirms a principal may act on a workspace's resources.
type Authorizer interface {
	Authorize(ctx context.Context, p *auth.Principal, workspaceID string) error
}

// ProviderFactory builds a model handle from a provider type and its
// decrypted config.
type ProviderFactory func(ctx context.Context, providerType string, cfg models.ProviderConfig) (agent.LLMProvider, error)

// DefaultProviderFactory builds providers with the providers package.
func DefaultProviderFactory(ctx context.Context, providerType string, cfg models.ProviderConfig) (agent.LLMProvider, error) {
	return providers.New(ctx, providerType, providers.ConfigFrom(cfg))
}

// Config holds the runner's tunables.
type Config struct {
	DefaultEnvironment models.Environment
	MaxStepLimit       int
}

// Runner prepares and executes runs. It is safe for concurrent use.
type Runner struct {
	agents     storage.AgentStore
	providers  storage.ProviderStore
	vault      vault.Vault
	authorizer Authorizer
	assembler  *toolset.Assembler
	engine     *agent.Engine
	ledger     *ledger.Ledger
	factory    ProviderFactory
	config     Config
	tracer     *observability.Tracer
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithProviderFactory replaces DefaultProviderFactory.
func WithProviderFactory(f ProviderFactory) Option {
	return func(r *Runner) { r.factory = f }
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithConfig sets the runner's tunables.
func WithConfig(cfg Config) Option {
	return func(r *Runner) { r.config = cfg }
}

// WithIDGenerator overrides the run id generator.
func WithIDGenerator(f func() string) Option {
	return func(r *Runner) { r.newID = f }
}

// New creates a Runner.
func New(stores storage.StoreSet, v vault.Vault, authorizer Authorizer, assembler *toolset.Assembler, engine *agent.Engine, l *ledger.Ledger, opts ...Option) *Runner {
	r := &Runner{
		agents:     stores.Agents,
		providers:  stores.Providers,
		vault:      v,
		authorizer: authorizer,
		assembler:  assembler,
		engine:     engine,
		ledger:     l,
		factory:    DefaultProviderFactory,
		logger:     slog.Default(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.config.DefaultEnvironment == "" {
		r.config.DefaultEnvironment = models.EnvironmentProduction
	}
	if r.config.MaxStepLimit <= 0 {
		r.config.MaxStepLimit = DefaultMaxStepLimit
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

// Prepare runs every stage before execution and returns a session that owns
// the assembled tool set. Errors returned here happen before the execution
// engine starts, so no run record is written; any tool connections opened
// along the way are already closed.
func (r *Runner) Prepare(ctx context.Context, p *auth.Principal, req *Request) (*Session, error) {
	start := req.ReceivedAt
	if start.IsZero() {
		start = r.now()
	}
	runID := r.newID()
	ctx = observability.ContextWithRunID(ctx, runID)

	version, isTest, err := r.resolveVersion(ctx, p, req)
	if err != nil {
		return nil, err
	}
	if err := r.checkExtraTools(version.Tools, req.ExtraTools); err != nil {
		return nil, err
	}
	version.Tools = append(version.Tools, req.ExtraTools...)
	if err := version.Validate(); err != nil {
		return nil, apperr.Validation("invalid agent version: %v", err)
	}
	if version.MaxStepCount > r.config.MaxStepLimit {
		return nil, apperr.Validation("max_step_count must not exceed %d", r.config.MaxStepLimit)
	}

	logger := observability.LoggerFromContext(ctx, r.logger).With("version_id", version.ID)

	var (
		provider     agent.LLMProvider
		providerType string
		set          *toolset.Set
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return observability.WithSpan(gctx, r.tracer, "run.resolve_provider", func(ctx context.Context) error {
			var err error
			provider, providerType, err = r.resolveProvider(ctx, version.WorkspaceID, version.Model.ProviderID)
			return err
		})
	})
	g.Go(func() error {
		return observability.WithSpan(gctx, r.tracer, "run.assemble", func(ctx context.Context) error {
			var err error
			set, err = r.assembler.Assemble(ctx, version.WorkspaceID, version.Tools)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		if set != nil {
			_ = set.Close()
		}
		logger.Warn("run preparation failed", "error", err)
		return nil, apperr.Normalize(err)
	}

	messages, err := prompt.SubstituteMessages(version.Messages, req.Variables)
	if err != nil {
		_ = set.Close()
		return nil, apperr.Wrap(apperr.KindValidation, err, "variable substitution produced invalid messages")
	}
	messages = append(messages, models.CloneMessages(req.ExtraMessages)...)

	run := r.ledger.Begin(runID, start)
	run.Describe(ledger.Meta{
		WorkspaceID:  version.WorkspaceID,
		AgentID:      version.AgentID,
		VersionID:    version.ID,
		Model:        version.Model.Name,
		ProviderType: providerType,
		IsStream:     req.Stream,
		IsTest:       isTest,
	})
	run.SetRequest(models.TranscriptRequest{
		Version:   version,
		Messages:  messages,
		Overrides: req.Overrides,
		Variables: req.Variables,
		Stream:    req.Stream,
	})
	run.MarkPreProcessed()

	logger.Debug("run prepared", "tools", set.Len(), "connections", set.Connections(), "provider", providerType)
	return &Session{
		runner: r,
		run:    run,
		set:    set,
		logger: logger,
		request: &agent.Request{
			Provider:        provider,
			Model:           version.Model.Name,
			Messages:        messages,
			Tools:           set,
			MaxOutputTokens: version.MaxOutputTokens,
			Temperature:     version.Temperature,
			MaxSteps:        version.StepLimit(),
			OutputFormat:    version.OutputFormat,
			ProviderOptions: version.ProviderOptions,
		},
	}, nil
}

// resolveVersion loads the version for req, authorizes it and applies the
// draft and overrides. The returned version is a private copy.
func (r *Runner) resolveVersion(ctx context.Context, p *auth.Principal, req *Request) (models.AgentVersion, bool, error) {
	if req.VersionID != "" {
		v, err := r.agents.GetVersion(ctx, req.VersionID)
		if errors.Is(err, storage.ErrNotFound) {
			return models.AgentVersion{}, false, apperr.NotFound("version %s not found", req.VersionID)
		}
		if err != nil {
			return models.AgentVersion{}, false, fmt.Errorf("load version: %w", err)
		}
		if err := r.authorizer.Authorize(ctx, p, v.WorkspaceID); err != nil {
			return models.AgentVersion{}, false, err
		}
		out := req.Draft.Apply(*v)
		return req.Overrides.Apply(out), true, nil
	}

	if req.AgentID == "" {
		return models.AgentVersion{}, false, apperr.Validation("agent_id or version_id is required")
	}
	a, err := r.agents.GetAgent(ctx, req.AgentID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.AgentVersion{}, false, apperr.NotFound("agent %s not found", req.AgentID)
	}
	if err != nil {
		return models.AgentVersion{}, false, fmt.Errorf("load agent: %w", err)
	}
	if err := r.authorizer.Authorize(ctx, p, a.WorkspaceID); err != nil {
		return models.AgentVersion{}, false, err
	}

	env := req.Environment
	if env == "" {
		env = r.config.DefaultEnvironment
	}
	if !env.Valid() {
		return models.AgentVersion{}, false, apperr.Validation("invalid environment %q", env)
	}
	v, err := r.agents.GetDeployedVersion(ctx, a.ID, env)
	if errors.Is(err, storage.ErrNotFound) {
		return models.AgentVersion{}, false, apperr.NotFound("agent %s has no version deployed to %s", a.ID, env)
	}
	if err != nil {
		return models.AgentVersion{}, false, fmt.Errorf("load deployed version: %w", err)
	}
	return req.Overrides.Apply(*v), false, nil
}

// checkExtraTools rejects extra custom tools whose title is already used by
// another custom tool. MCP references are left to the assembler, which
// deduplicates identical ones.
func (r *Runner) checkExtraTools(existing, extra []models.ToolDefinition) error {
	titles := map[string]bool{}
	for _, d := range existing {
		if d.Kind == models.ToolKindCustom && d.Custom != nil {
			titles[d.Custom.Title] = true
		}
	}
	for i, d := range extra {
		if err := d.Validate(); err != nil {
			return apperr.Validation("extra_tools[%d]: %v", i, err)
		}
		if d.Kind != models.ToolKindCustom {
			continue
		}
		if titles[d.Custom.Title] {
			return apperr.Validation("extra_tools[%d]: custom tool %q is already defined", i, d.Custom.Title)
		}
		titles[d.Custom.Title] = true
	}
	return nil
}

func (r *Runner) resolveProvider(ctx context.Context, workspaceID, providerID string) (agent.LLMProvider, string, error) {
	row, err := r.providers.GetProvider(ctx, providerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", apperr.NotFound("provider %s not found", providerID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load provider: %w", err)
	}
	if row.WorkspaceID != workspaceID {
		return nil, "", apperr.AccessDenied("provider %s belongs to another workspace", providerID)
	}
	plaintext, err := r.vault.Decrypt(ctx, row.EncryptedConfig)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt provider %s: %w", providerID, err)
	}
	cfg, err := models.ParseProviderConfig(plaintext)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindValidation, err, fmt.Sprintf("provider %s has an invalid config", providerID))
	}
	provider, err := r.factory(ctx, row.Type, cfg)
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, "", err
		}
		return nil, "", apperr.Wrap(apperr.KindValidation, err, fmt.Sprintf("provider %s cannot be used", providerID))
	}
	return provider, row.Type, nil
}
