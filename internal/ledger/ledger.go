// Package ledger records the outcome of every run exactly once: a transcript
// blob and an insert-only RunRecord row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/blob"
	"github.com/victorchrollo14/agent0-sub000/internal/observability"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
	"github.com/victorchrollo14/agent0-sub000/internal/usage"
	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// DefaultTimeout bounds finalization when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Outcome labels used for metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
)

// Ledger creates run trackers and persists their results.
type Ledger struct {
	runs    storage.RunStore
	blobs   blob.Store
	prices  *usage.PriceTable
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMetrics records run metrics on finalization.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithTracer wraps finalization in a span.
func WithTracer(t *observability.Tracer) Option {
	return func(l *Ledger) { l.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTimeout bounds the blob write and row insert of one finalization.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger. prices may be nil, in which case no cost is computed.
func New(runs storage.RunStore, blobs blob.Store, prices *usage.PriceTable, opts ...Option) *Ledger {
	l := &Ledger{
		runs:    runs,
		blobs:   blobs,
		prices:  prices,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Meta describes the resolved run. It is filled in as the pipeline resolves
// the version and provider.
type Meta struct {
	WorkspaceID  string
	AgentID      string
	VersionID    string
	Model        string
	ProviderType string
	IsStream     bool
	IsTest       bool
}

// Run tracks timing marks for one attempt and finalizes it at most once.
type Run struct {
	ledger *Ledger
	id     string
	start  time.Time

	mu            sync.Mutex
	meta          Meta
	request       models.TranscriptRequest
	preProcessing *int64
	firstToken    *int64

	finalized atomic.Bool
}

// Begin starts tracking a run. start is the moment the request arrived.
func (l *Ledger) Begin(runID string, start time.Time) *Run {
	return &Run{ledger: l, id: runID, start: start}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Describe sets the record's descriptive fields.
func (r *Run) Describe(meta Meta) {
	r.mu.Lock()
	r.meta = meta
	r.mu.Unlock()
}

// SetRequest sets the request section of the transcript.
func (r *Run) SetRequest(req models.TranscriptRequest) {
	r.mu.Lock()
	r.request = req
	r.mu.Unlock()
}

// MarkPreProcessed records that provider and tools are resolved.
func (r *Run) MarkPreProcessed() {
	r.mark(&r.preProcessing)
}

// MarkFirstToken records the first generated output. Later calls are ignored.
func (r *Run) MarkFirstToken() {
	if ms, ok := r.mark(&r.firstToken); ok {
		r.ledger.metrics.FirstTokenObserved(time.Duration(ms) * time.Millisecond)
	}
}

func (r *Run) mark(field **int64) (int64, bool) {
	ms := r.ledger.now().Sub(r.start).Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	if *field != nil {
		return 0, false
	}
	*field = &ms
	return ms, true
}

// Finalized reports whether Finalize has already run.
func (r *Run) Finalized() bool {
	return r.finalized.Load()
}

// Result is what the execution produced. Err is nil on success.
type Result struct {
	Steps []models.TranscriptStep
	Usage models.Usage
	Err   error
}

// Finalize persists the transcript and then the record. Only the first call
// does anything; it reports whether this call was the one that persisted.
//
// Persistence runs on a context detached from ctx's cancellation so that a
// client disconnect cannot lose the record.
func (r *Run) Finalize(ctx context.Context, res Result) (bool, error) {
	if !r.finalized.CompareAndSwap(false, true) {
		return false, nil
	}
	l := r.ledger
	responseTime := l.now().Sub(r.start).Milliseconds()

	r.mu.Lock()
	meta := r.meta
	record := &models.RunRecord{
		ID:                r.id,
		WorkspaceID:       meta.WorkspaceID,
		AgentID:           meta.AgentID,
		VersionID:         meta.VersionID,
		Model:             meta.Model,
		ProviderType:      meta.ProviderType,
		CreatedAt:         r.start.UTC(),
		IsStream:          meta.IsStream,
		IsTest:            meta.IsTest,
		PreProcessingTime: r.preProcessing,
		FirstTokenTime:    r.firstToken,
		ResponseTime:      &responseTime,
		Steps:             len(res.Steps),
		InputTokens:       res.Usage.InputTokens,
		CachedInputTokens: res.Usage.CachedInputTokens,
		OutputTokens:      res.Usage.OutputTokens,
		Tokens:            res.Usage.Total(),
	}
	transcript := &models.RunTranscript{
		RunID:      r.id,
		Request:    r.request,
		Steps:      res.Steps,
		TotalUsage: res.Usage,
	}
	r.mu.Unlock()

	if transcript.Steps == nil {
		transcript.Steps = []models.TranscriptStep{}
	}
	if l.prices != nil {
		if cost, ok := l.prices.Estimate(meta.Model, res.Usage); ok {
			record.Cost = &cost
		}
	}

	outcome := OutcomeSuccess
	if res.Err != nil {
		appErr := apperr.Normalize(res.Err)
		record.IsError = true
		record.ErrorName = appErr.Name()
		transcript.Error = transcriptError(appErr)
		outcome = OutcomeError
		if appErr.Kind == apperr.KindAborted {
			outcome = OutcomeAborted
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	err := observability.WithSpan(ctx, l.tracer, "run.finalize", func(ctx context.Context) error {
		return l.persist(ctx, record, transcript)
	})

	mode := "blocking"
	if meta.IsStream {
		mode = "stream"
	}
	l.metrics.RunFinished(mode, outcome, time.Duration(responseTime)*time.Millisecond)
	l.metrics.RecordUsage(res.Usage)

	logger := observability.LoggerFromContext(observability.ContextWithRunID(ctx, r.id), l.logger)
	if err != nil {
		logger.Error("run finalization failed", "error", err)
		return true, err
	}
	logger.Info("run recorded",
		"outcome", outcome,
		"steps", record.Steps,
		"tokens", record.Tokens,
		"response_ms", responseTime,
	)
	return true, nil
}

// persist writes the transcript first so a stored record always has had its
// transcript attempted. A failed blob write does not stop the row insert.
func (l *Ledger) persist(ctx context.Context, record *models.RunRecord, transcript *models.RunTranscript) error {
	var errs []error
	if l.blobs != nil {
		if err := blob.PutJSON(ctx, l.blobs, blob.RunKey(record.ID), transcript); err != nil {
			errs = append(errs, fmt.Errorf("store transcript: %w", err))
		}
	}
	if err := l.runs.InsertRunRecord(ctx, record); err != nil {
		errs = append(errs, fmt.Errorf("insert run record: %w", err))
	}
	return errors.Join(errs...)
}

func transcriptError(err *apperr.Error) *models.TranscriptError {
	te := &models.TranscriptError{Name: err.Name(), Message: err.PublicMessage()}
	if err.Cause != nil {
		te.Cause = err.Cause.Error()
	}
	return te
}

// Lookup loads a stored record and, when still present, its transcript.
func (l *Ledger) Lookup(ctx context.Context, runID string) (*models.RunRecord, *models.RunTranscript, error) {
	record, err := l.runs.GetRunRecord(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if l.blobs == nil {
		return record, nil, nil
	}
	var transcript models.RunTranscript
	if err := blob.GetJSON(ctx, l.blobs, blob.RunKey(runID), &transcript); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return record, nil, nil
		}
		return nil, nil, err
	}
	return record, &transcript, nil
}
