// Package metrics exposes furina's Prometheus instruments.
//
// Every Metrics value owns its own registry so that tests and multiple
// servers in one process never collide on registration. All methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one furina process.
type Metrics struct {
	registry *prometheus.Registry

	// BackendRequests counts chat-completion exchanges.
	// Labels: companion, mode (stream|complete), status (success|error)
	BackendRequests *prometheus.CounterVec

	// BackendDuration measures a single exchange, first byte to last.
	// Labels: companion, mode
	BackendDuration *prometheus.HistogramVec

	// ToolCalls counts tool dispatches.
	// Labels: tool, status (success|not_found|bad_arguments|error)
	ToolCalls *prometheus.CounterVec

	// ToolRounds observes how many tool round trips a turn needed.
	// Labels: companion
	ToolRounds *prometheus.HistogramVec

	// ParseErrors counts undecodable stream events.
	// Labels: companion
	ParseErrors *prometheus.CounterVec

	// Turns counts completed or failed asks.
	// Labels: companion, status (success|error)
	Turns *prometheus.CounterVec

	// Reflections counts reflection runs.
	// Labels: companion, status (skipped|success|error)
	Reflections *prometheus.CounterVec

	// MemoriesCreated counts memories written by reflection.
	// Labels: companion
	MemoriesCreated *prometheus.CounterVec

	// Backlog reports unreflected history entries per companion.
	// Labels: companion
	Backlog *prometheus.GaugeVec

	// HTTPRequests counts API requests.
	// Labels: method, route, code
	HTTPRequests *prometheus.CounterVec
}

// New creates a Metrics with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BackendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "furina_backend_requests_total",
			Help: "Chat-completion exchanges with the model backend.",
		}, []string{"companion", "mode", "status"}),
		BackendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "furina_backend_request_duration_seconds",
			Help:    "Duration of a single chat-completion exchange.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"companion", "mode"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "furina_tool_calls_total",
			Help: "Tool invocations requested by the model.",
		}, []string{"tool", "status"}),
		ToolRounds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "furina_tool_rounds",
			Help:    "Tool round trips needed to finish one turn.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}, []string{"companion"}),
		ParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "furina_stream_parse_errors_total",
			Help: "Stream events skipped because they could not be decoded.",
		}, []string{"companion"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "furina_turns_total",
			Help: "Asks handled per companion.",
		}, []string{"companion", "status"}),
		Reflections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "furina_reflections_total",
			Help: "Reflection attempts per companion.",
		}, []string{"companion", "status"}),
		MemoriesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "furina_memories_created_total",
			Help: "Memories written by reflection.",
		}, []string{"companion"}),
		Backlog: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "furina_reflection_backlog",
			Help: "Conversation entries not yet consolidated into memory.",
		}, []string{"companion"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "furina_http_requests_total",
			Help: "HTTP API requests.",
		}, []string{"method", "route", "code"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// BackendRequest records one exchange.
func (m *Metrics) BackendRequest(companion, mode string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(companion, mode, status(err)).Inc()
	m.BackendDuration.WithLabelValues(companion, mode).Observe(time.Since(started).Seconds())
}

// ToolCall records one tool dispatch outcome.
func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

// TurnRounds records how many tool rounds a turn used.
func (m *Metrics) TurnRounds(companion string, rounds int) {
	if m == nil {
		return
	}
	m.ToolRounds.WithLabelValues(companion).Observe(float64(rounds))
}

// ParseError records a skipped stream event.
func (m *Metrics) ParseError(companion string) {
	if m == nil {
		return
	}
	m.ParseErrors.WithLabelValues(companion).Inc()
}

// Turn records the outcome of an ask.
func (m *Metrics) Turn(companion string, err error) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(companion, status(err)).Inc()
}

// Reflection records a reflection attempt. created is ignored unless
// the outcome is "success".
func (m *Metrics) Reflection(companion, outcome string, created int) {
	if m == nil {
		return
	}
	m.Reflections.WithLabelValues(companion, outcome).Inc()
	if outcome == "success" && created > 0 {
		m.MemoriesCreated.WithLabelValues(companion).Add(float64(created))
	}
}

// SetBacklog reports the unreflected history length.
func (m *Metrics) SetBacklog(companion string, n int) {
	if m == nil {
		return
	}
	m.Backlog.WithLabelValues(companion).Set(float64(n))
}

// HTTPRequest records an API request.
func (m *Metrics) HTTPRequest(method, route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
}
