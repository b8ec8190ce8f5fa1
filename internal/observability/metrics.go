package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Hub's Prometheus metric set: LLM gateway calls, tool
// dispatch, HTTP requests, database queries, and Spoke channel presence.
type Metrics struct {
	LLMRequestDuration *prometheus.HistogramVec
	LLMRequestCounter  *prometheus.CounterVec
	LLMFailovers       *prometheus.CounterVec

	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	ErrorCounter *prometheus.CounterVec

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestCounter  *prometheus.CounterVec

	DatabaseQueryDuration *prometheus.HistogramVec
	DatabaseQueryCounter  *prometheus.CounterVec

	SpokesConnected  prometheus.Gauge
	SpokeFramesSent  *prometheus.CounterVec
	SpokeFramesRecv  *prometheus.CounterVec
	PendingCalls     prometheus.Gauge
	SkillsLive       prometheus.Gauge
	ActiveAgentLoops prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_llm_requests_total",
				Help: "Total LLM provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMFailovers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_llm_failovers_total",
				Help: "Total provider-to-provider failovers by reason",
			},
			[]string{"reason"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_errors_total",
				Help: "Total errors by component and error kind",
			},
			[]string{"component", "kind"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_database_queries_total",
				Help: "Total database queries by operation, table, and status",
			},
			[]string{"operation", "table", "status"},
		),
		SpokesConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_spokes_connected",
				Help: "Current number of open Spoke channels",
			},
		),
		SpokeFramesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_spoke_frames_sent_total",
				Help: "Total frames sent to Spokes by frame type",
			},
			[]string{"type"},
		),
		SpokeFramesRecv: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_spoke_frames_received_total",
				Help: "Total frames received from Spokes by frame type",
			},
			[]string{"type"},
		),
		PendingCalls: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_pending_calls",
				Help: "Current number of in-flight forwarded tool calls",
			},
		),
		SkillsLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_skills_live",
				Help: "Current number of live (non-expired, device-online) skills",
			},
		),
		ActiveAgentLoops: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_agent_loops_active",
				Help: "Current number of in-flight agent loop runs",
			},
		),
	}
}

// RecordLLMRequest records an LLM provider call outcome.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordFailover records a provider-chain advance.
func (m *Metrics) RecordFailover(reason string) {
	m.LLMFailovers.WithLabelValues(reason).Inc()
}

// RecordToolExecution records a tool dispatch outcome.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component/kind pair.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}

// RecordHTTPRequest records an HTTP request outcome.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records a database query outcome.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
