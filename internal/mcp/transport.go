package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sessionHeader carries the server-assigned session on streamable HTTP.
const sessionHeader = "Mcp-Session-Id"

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("mcp: transport closed")

// Transport sends JSON-RPC messages to one server.
type Transport interface {
	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Close ends the session. It is safe to call more than once.
	Close() error
}

// HTTPTransport implements the MCP streamable HTTP transport. Responses may
// arrive as a JSON body or as a short SSE stream carrying the response.
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.RWMutex
	sessionID string
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewHTTPTransport creates a new HTTP transport. A nil client uses one with
// the server's configured timeout.
func NewHTTPTransport(cfg *ServerConfig, client *http.Client, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		config: cfg,
		logger: logger.With("mcp_server", cfg.ID, "transport", "http"),
		client: client,
	}
}

// Call sends a request and waits for a response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	id := uuid.New().String()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	rpcResp, err := t.readResponse(resp, id)
	if err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Notify sends a notification (no response expected).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrClosed
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	resp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Close terminates the server session, if one was assigned.
func (t *HTTPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		t.mu.RLock()
		sid := t.sessionID
		t.mu.RUnlock()
		if sid == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, t.config.URL, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		req.Header.Set(sessionHeader, sid)
		t.applyHeaders(req)
		resp, doErr := t.client.Do(req)
		if doErr != nil {
			t.logger.Debug("session delete failed", "error", doErr)
			return
		}
		resp.Body.Close()
	})
	return err
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()
	t.applyHeaders(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
}

func (t *HTTPTransport) readResponse(resp *http.Response, id string) (*JSONRPCResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		var rpcResp JSONRPCResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &rpcResp, nil
	}

	// The server may interleave notifications before the response.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			if rpcResp, ok := matchResponse(payload, id); ok {
				return rpcResp, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if data.Len() > 0 {
		if rpcResp, ok := matchResponse(data.String(), id); ok {
			return rpcResp, nil
		}
	}
	return nil, fmt.Errorf("event stream ended without response to %s", id)
}

func matchResponse(payload, id string) (*JSONRPCResponse, bool) {
	var rpcResp JSONRPCResponse
	if err := json.Unmarshal([]byte(payload), &rpcResp); err != nil {
		return nil, false
	}
	if fmt.Sprint(rpcResp.ID) != id {
		return nil, false
	}
	return &rpcResp, true
}
