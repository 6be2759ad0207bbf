// Package toolset assembles the callable tool set of a run from MCP tool
// server catalogs and inline custom tool definitions.
package toolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/victorchrollo14/agent0-sub000/internal/mcp"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// ErrNoExecutor is returned when executing a tool the caller must run itself.
var ErrNoExecutor = errors.New("tool has no executor")

// Conn is a live connection to one tool server.
type Conn interface {
	Tool(name string) (*mcp.MCPTool, bool)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolCallResult, error)
	Close() error
}

// Tool is one entry of an assembled set, as presented to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Kind        models.ToolKind
	ServerID    string

	conn   Conn
	schema *compiledSchema
}

// HasExecutor reports whether the engine can run this tool itself.
func (t *Tool) HasExecutor() bool {
	return t.conn != nil
}

// Execute runs an MCP tool. The returned bool marks a tool-level error that
// should be reported to the model rather than failing the run.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (string, bool, error) {
	if t.conn == nil {
		return "", false, ErrNoExecutor
	}
	if err := t.schema.validate(input); err != nil {
		return fmt.Sprintf("invalid arguments for %s: %v", t.Name, err), true, nil
	}
	res, err := t.conn.CallTool(ctx, t.Name, input)
	if err != nil {
		var rpcErr *mcp.JSONRPCError
		if errors.As(err, &rpcErr) {
			return rpcErr.Message, true, nil
		}
		return "", false, err
	}
	return res.Text(), res.IsError, nil
}

// Set is the disposable result of Assemble. Close releases every tool server
// connection exactly once, no matter how many times it is called.
type Set struct {
	tools  map[string]*Tool
	order  []string
	conns  []Conn
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	onClose   func(n int)
}

// Tools returns the tools in definition order.
func (s *Set) Tools() []*Tool {
	if s == nil {
		return nil
	}
	out := make([]*Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// Lookup returns the tool named name.
func (s *Set) Lookup(name string) (*Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Len returns the number of tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Connections returns the number of live server connections held.
func (s *Set) Connections() int {
	if s == nil {
		return 0
	}
	return len(s.conns)
}

// Close releases all server connections. Safe for concurrent and repeated use.
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		var errs []error
		for _, c := range s.conns {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.onClose != nil {
			s.onClose(len(s.conns))
		}
		if len(errs) > 0 {
			s.closeErr = errors.Join(errs...)
			s.logger.Warn("closing tool server connections", "error", s.closeErr)
		}
	})
	return s.closeErr
}
