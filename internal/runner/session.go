package runner

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/victorchrollo14/agent0-sub000/internal/agent"
	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/ledger"
	"github.com/victorchrollo14/agent0-sub000/internal/toolset"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateFinished
	StateErrored
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Session is a prepared run. It owns the assembled tool set and releases it
// exactly once, whichever way the run ends.
type Session struct {
	runner  *Runner
	run     *ledger.Run
	set     *toolset.Set
	request *agent.Request
	logger  *slog.Logger

	state atomic.Int32
}

// RunID returns the id under which the run is recorded.
func (s *Session) RunID() string { return s.run.ID() }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Events starts execution and returns its event sequence. The run record is
// persisted and the tool set released before the terminal event is delivered.
// Cancelling ctx aborts the run; the abort is still recorded.
//
// The returned channel is closed after the terminal event. Consumers that stop
// reading must cancel ctx.
func (s *Session) Events(ctx context.Context) <-chan agent.Event {
	out := make(chan agent.Event, 32)
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer s.set.Close() //nolint:errcheck

		ctx, span := s.runner.tracer.TraceRunStage(ctx, "execute", s.RunID())
		defer span.End()

		for ev := range s.runner.engine.Run(ctx, s.request) {
			switch ev.Type {
			case agent.EventTextDelta, agent.EventReasoningDelta, agent.EventToolCall:
				s.run.MarkFirstToken()
			}
			if ev.Type.Terminal() {
				s.finish(ctx, ev)
				if ev.Err != nil {
					s.runner.tracer.RecordError(span, ev.Err)
				}
				s.deliverTerminal(ctx, out, ev)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if !s.run.Finalized() {
			s.finish(ctx, agent.Event{Type: agent.EventError, Err: apperr.Aborted(ctx.Err())})
		}
	}()
	return out
}

// deliverTerminal prefers delivery over cancellation so a caller still
// reading sees the outcome.
func (s *Session) deliverTerminal(ctx context.Context, out chan<- agent.Event, ev agent.Event) {
	select {
	case out <- ev:
		return
	default:
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// finish moves the session to its terminal state, finalizes the ledger entry
// and releases tool connections.
func (s *Session) finish(ctx context.Context, ev agent.Event) {
	next := StateFinished
	var err error
	if ev.Err != nil {
		err = ev.Err
		next = StateErrored
		if ev.Err.Kind == apperr.KindAborted {
			next = StateAborted
		}
	}
	s.state.CompareAndSwap(int32(StateRunning), int32(next))

	res := ledger.Result{Err: err}
	if ev.Result != nil {
		res.Steps = ev.Result.Steps
		res.Usage = ev.Result.Usage
	}
	if _, ferr := s.run.Finalize(ctx, res); ferr != nil {
		s.logger.Error("failed to record run", "error", ferr)
	}
	if cerr := s.set.Close(); cerr != nil {
		s.logger.Warn("closing tool connections failed", "error", cerr)
	}
}

// Generate executes the run to completion and returns its result.
func (s *Session) Generate(ctx context.Context) (*agent.Result, error) {
	var terminal *agent.Event
	for ev := range s.Events(ctx) {
		if ev.Type.Terminal() {
			terminal = &ev
		}
	}
	if terminal == nil {
		if ctx.Err() != nil {
			return nil, apperr.Aborted(ctx.Err())
		}
		return nil, &apperr.Error{Kind: apperr.KindInternal, Message: "session already consumed"}
	}
	if terminal.Err != nil {
		return terminal.Result, terminal.Err
	}
	return terminal.Result, nil
}

// Close releases the session without executing it. It is a no-op once
// execution has started.
func (s *Session) Close() error {
	if s.state.CompareAndSwap(int32(StateReady), int32(StateAborted)) {
		return s.set.Close()
	}
	return nil
}
