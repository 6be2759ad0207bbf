package toolset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/mcp"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
	"github.com/victorchrollo14/agent0-sub000/internal/vault"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// Dialer opens a connection to a tool server and fetches its catalog.
type Dialer func(ctx context.Context, cfg *mcp.ServerConfig) (Conn, error)

// HTTPDialer returns a Dialer speaking MCP over streamable HTTP.
func HTTPDialer(client *http.Client, logger *slog.Logger) Dialer {
	return func(ctx context.Context, cfg *mcp.ServerConfig) (Conn, error) {
		c := client
		if c == nil {
			c = &http.Client{Timeout: cfg.Timeout()}
		}
		conn := mcp.NewClient(cfg, mcp.NewHTTPTransport(cfg, c, logger), logger)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Observer is notified as connections open and close.
type Observer interface {
	ConnectionOpened(serverID string)
	ConnectionsClosed(n int)
}

// Assembler builds tool sets. Construct with NewAssembler.
type Assembler struct {
	servers        storage.ToolServerStore
	vault          vault.Vault
	dial           Dialer
	logger         *slog.Logger
	observer       Observer
	connectTimeout time.Duration
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithDialer replaces the default HTTP dialer.
func WithDialer(d Dialer) AssemblerOption {
	return func(a *Assembler) { a.dial = d }
}

// WithObserver registers a connection observer.
func WithObserver(o Observer) AssemblerOption {
	return func(a *Assembler) { a.observer = o }
}

// WithConnectTimeout bounds each server's handshake and catalog fetch.
func WithConnectTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) { a.connectTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = l }
}

// NewAssembler creates an Assembler.
func NewAssembler(servers storage.ToolServerStore, v vault.Vault, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		servers:        servers,
		vault:          v,
		logger:         slog.Default(),
		connectTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dial == nil {
		a.dial = HTTPDialer(nil, a.logger)
	}
	a.logger = a.logger.With("component", "toolset")
	return a
}

// Assemble resolves defs into a Set. Each distinct tool server is connected
// at most once, concurrently. On error every connection opened so far is
// closed before returning.
func (a *Assembler) Assemble(ctx context.Context, workspaceID string, defs []models.ToolDefinition) (*Set, error) {
	set := &Set{
		tools:   make(map[string]*Tool),
		logger:  a.logger,
		onClose: a.closed,
	}

	var mcpRefs []models.MCPTool
	var customs []models.CustomTool
	var serverIDs []string
	seenServer := map[string]bool{}
	for _, def := range defs {
		switch def.Kind {
		case models.ToolKindMCP:
			mcpRefs = append(mcpRefs, *def.MCP)
			if !seenServer[def.MCP.ServerID] {
				seenServer[def.MCP.ServerID] = true
				serverIDs = append(serverIDs, def.MCP.ServerID)
			}
		case models.ToolKindCustom:
			customs = append(customs, *def.Custom)
		}
	}

	// Custom schemas are checked before any server is contacted.
	schemas := newSchemaCompiler()
	customSchemas := make([]*compiledSchema, len(customs))
	for i, c := range customs {
		compiled, err := schemas.compile(c.InputSchema)
		if err != nil {
			return nil, apperr.Validation("custom tool %q: invalid input schema: %v", c.Title, err)
		}
		customSchemas[i] = compiled
	}

	conns, err := a.connectAll(ctx, workspaceID, serverIDs)
	set.conns = connList(serverIDs, conns)
	if err != nil {
		_ = set.Close()
		return nil, err
	}

	seenRef := map[models.MCPTool]bool{}
	for _, ref := range mcpRefs {
		if seenRef[ref] {
			continue
		}
		seenRef[ref] = true

		conn := conns[ref.ServerID]
		remote, ok := conn.Tool(ref.Name)
		if !ok {
			_ = set.Close()
			return nil, apperr.ToolResolution("tool %q not found on tool server %s", ref.Name, ref.ServerID)
		}
		schema, err := schemas.compile(remote.InputSchema)
		if err != nil {
			a.logger.Debug("tool schema does not compile, skipping argument validation",
				"server_id", ref.ServerID, "tool", ref.Name, "error", err)
			schema = nil
		}
		if err := set.add(&Tool{
			Name:        remote.Name,
			Description: remote.Description,
			InputSchema: remote.InputSchema,
			Kind:        models.ToolKindMCP,
			ServerID:    ref.ServerID,
			conn:        conn,
			schema:      schema,
		}); err != nil {
			_ = set.Close()
			return nil, err
		}
	}

	for i, c := range customs {
		if err := set.add(&Tool{
			Name:        c.Title,
			Description: c.Description,
			InputSchema: c.InputSchema,
			Kind:        models.ToolKindCustom,
			schema:      customSchemas[i],
		}); err != nil {
			_ = set.Close()
			return nil, err
		}
	}

	a.logger.Debug("assembled tool set", "tools", set.Len(), "servers", len(set.conns))
	return set, nil
}

func (s *Set) add(t *Tool) error {
	if existing, ok := s.tools[t.Name]; ok {
		return apperr.ToolResolution("tool name %q is provided by both %s and %s", t.Name, describe(existing), describe(t))
	}
	s.tools[t.Name] = t
	s.order = append(s.order, t.Name)
	return nil
}

func describe(t *Tool) string {
	if t.Kind == models.ToolKindMCP {
		return "tool server " + t.ServerID
	}
	return "a custom tool"
}

// connectAll opens one connection per server id. The returned map holds every
// connection that opened, even when err is non-nil.
func (a *Assembler) connectAll(ctx context.Context, workspaceID string, serverIDs []string) (map[string]Conn, error) {
	var mu sync.Mutex
	conns := make(map[string]Conn, len(serverIDs))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range serverIDs {
		g.Go(func() error {
			conn, err := a.connect(gctx, workspaceID, id)
			if err != nil {
				return err
			}
			mu.Lock()
			conns[id] = conn
			mu.Unlock()
			if a.observer != nil {
				a.observer.ConnectionOpened(id)
			}
			return nil
		})
	}
	err := g.Wait()
	return conns, err
}

func (a *Assembler) connect(ctx context.Context, workspaceID, serverID string) (Conn, error) {
	server, err := a.servers.GetToolServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.ToolResolution("tool server %s not found", serverID)
		}
		return nil, fmt.Errorf("load tool server %s: %w", serverID, err)
	}
	if server.WorkspaceID != workspaceID {
		return nil, apperr.AccessDenied("tool server %s belongs to another workspace", serverID)
	}

	plaintext, err := a.vault.Decrypt(ctx, server.EncryptedConfig)
	if err != nil {
		return nil, fmt.Errorf("decrypt tool server %s: %w", serverID, err)
	}
	cfg, err := mcp.ParseServerConfig(serverID, plaintext)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindToolResolution, err, fmt.Sprintf("tool server %s has an invalid config", serverID))
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()
	conn, err := a.dial(dialCtx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(apperr.KindToolResolution, err, fmt.Sprintf("connect to tool server %s", serverID))
	}
	return conn, nil
}

func (a *Assembler) closed(n int) {
	if a.observer != nil && n > 0 {
		a.observer.ConnectionsClosed(n)
	}
}

func connList(order []string, conns map[string]Conn) []Conn {
	out := make([]Conn, 0, len(conns))
	for _, id := range order {
		if c, ok := conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
