package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/auth"
	"github.com/victorchrollo14/agent0-sub000/internal/observability"
	"github.com/victorchrollo14/agent0-sub000/internal/runner"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
)

const runIDHeader = "X-Run-Id"

type errorResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	received := s.now()
	ctx := r.Context()

	principal, err := s.auth.Authenticate(ctx, r.Header)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.decodeRun(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.isTest() && principal.Method != auth.MethodBearer {
		s.writeError(w, r, apperr.Auth("test runs require a bearer token"))
		return
	}
	if !s.allow(w, principal) {
		return
	}

	session, err := s.runner.Prepare(ctx, principal, req.runnerRequest(received))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx = observability.ContextWithRunID(ctx, session.RunID())
	w.Header().Set(runIDHeader, session.RunID())

	if req.streaming() {
		s.stream(ctx, w, session)
		return
	}

	res, err := session.Generate(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Text: res.Text, Messages: res.Messages})
}

// stream pushes the session's events as SSE frames. A failed write is
// treated as a disconnect and aborts the run.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, session *runner.Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := observability.LoggerFromContext(ctx, s.logger)

	sse := newSSEWriter(w, s.metrics, s.now, func(err error) {
		logger.Debug("event stream write failed", "error", err)
		cancel()
	})
	if err := sse.open(); err != nil {
		_ = session.Close()
		return
	}
	stop := sse.heartbeat(s.config.HeartbeatInterval)
	defer sse.close()
	defer stop()

	for ev := range session.Events(ctx) {
		if ev.Type.Terminal() {
			// The terminal frame goes out after the heartbeat has stopped.
			stop()
		}
		if err := sse.send(ev); err != nil && !errors.Is(err, errStreamClosed) {
			logger.Debug("dropping event", "type", ev.Type, "error", err)
		}
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, err := s.auth.Authenticate(ctx, r.Header)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id := r.PathValue("id")
	record, transcript, err := s.ledger.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = apperr.NotFound("run %s not found", id)
		}
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Authorize(ctx, principal, record.WorkspaceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runLookupResponse{Record: record, Transcript: transcript})
}

// allow applies the rate limit of the principal's workspace, or of the user
// for workspace-less bearer tokens.
func (s *Server) allow(w http.ResponseWriter, p *auth.Principal) bool {
	key := p.WorkspaceID
	if key == "" {
		key = "user:" + p.UserID
	}
	ok, wait := s.limiter.Allow(key)
	if ok {
		return true
	}
	secs := int(wait.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "rate limit exceeded"})
	return false
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.Normalize(err)
	status := appErr.HTTPStatus()
	msg := appErr.PublicMessage()
	logger := observability.LoggerFromContext(r.Context(), s.logger)
	if appErr.Kind == apperr.KindInternal {
		logger.Error("request failed", "path", r.URL.Path, "error", err)
		if appErr.Message == "" {
			msg = "internal error"
		}
	} else {
		logger.Debug("request rejected", "path", r.URL.Path, "error_name", appErr.Name(), "status", status)
	}
	writeJSON(w, status, errorResponse{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The client may have gone away; nothing useful to do with the error.
	_ = json.NewEncoder(w).Encode(payload)
}
