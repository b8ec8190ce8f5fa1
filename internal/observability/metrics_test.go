package observability

import "testing"

// NewMetrics registers every collector on the default Prometheus registry,
// so only one test in this package may construct a Metrics value.
func TestNewMetricsRecordersDoNotPanic(t *testing.T) {
	m := NewMetrics()

	m.RecordLLMRequest("anthropic", "claude", "ok", 0.42)
	m.RecordFailover("rate_limited")
	m.RecordToolExecution("python_exec", "ok", 1.2)
	m.RecordError("dispatch", "validation_failed")
	m.RecordHTTPRequest("GET", "/healthz", "200", 0.001)
	m.RecordDatabaseQuery("select", "messages", "ok", 0.003)

	m.SpokesConnected.Inc()
	m.SpokesConnected.Dec()
	m.PendingCalls.Set(3)
	m.SkillsLive.Set(1)
	m.ActiveAgentLoops.Inc()
}
