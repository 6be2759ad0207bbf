package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// Metrics collects run pipeline metrics.
type Metrics struct {
	// RunCounter counts finished runs.
	// Labels: mode (blocking|stream), outcome (success|error|aborted)
	RunCounter *prometheus.CounterVec

	// RunDuration measures request start to response completion.
	// Labels: mode
	RunDuration *prometheus.HistogramVec

	// FirstToken measures request start to first generated token.
	FirstToken prometheus.Histogram

	// Tokens counts tokens reported by model backends.
	// Labels: direction (input|cached_input|output)
	Tokens *prometheus.CounterVec

	// ToolConnections counts tool server connections.
	// Labels: state (opened|closed)
	ToolConnections *prometheus.CounterVec

	// Heartbeats counts keep-alive frames written to streaming clients.
	Heartbeats prometheus.Counter

	// HTTPRequestCounter counts HTTP requests.
	// Labels: path, status
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent0_runs_total",
				Help: "Total number of finished runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent0_run_duration_seconds",
				Help:    "Duration of runs from request start to completion",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		FirstToken: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent0_first_token_seconds",
				Help:    "Time from request start to the first generated token",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent0_tokens_total",
				Help: "Total number of tokens by direction",
			},
			[]string{"direction"},
		),

		ToolConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent0_tool_connections",
				Help: "Tool server connections opened and closed",
			},
			[]string{"state"},
		),

		Heartbeats: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent0_heartbeats_total",
				Help: "Keep-alive frames written to streaming clients",
			},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent0_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "status"},
		),
	}
}

// RunFinished records the outcome and duration of a run.
func (m *Metrics) RunFinished(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(mode, outcome).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// FirstTokenObserved records time to first token.
func (m *Metrics) FirstTokenObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstToken.Observe(d.Seconds())
}

// RecordUsage adds a run's token usage.
func (m *Metrics) RecordUsage(u models.Usage) {
	if m == nil {
		return
	}
	if u.InputTokens > 0 {
		m.Tokens.WithLabelValues("input").Add(float64(u.InputTokens))
	}
	if u.CachedInputTokens > 0 {
		m.Tokens.WithLabelValues("cached_input").Add(float64(u.CachedInputTokens))
	}
	if u.OutputTokens > 0 {
		m.Tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	}
}

// ConnectionOpened implements the tool assembler's observer.
func (m *Metrics) ConnectionOpened(serverID string) {
	if m == nil {
		return
	}
	m.ToolConnections.WithLabelValues("opened").Inc()
}

// ConnectionsClosed implements the tool assembler's observer.
func (m *Metrics) ConnectionsClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ToolConnections.WithLabelValues("closed").Add(float64(n))
}

// Heartbeat counts one keep-alive frame.
func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

// RecordHTTPRequest counts an HTTP request.
func (m *Metrics) RecordHTTPRequest(path string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(path, strconv.Itoa(status)).Inc()
}
