// Package observability provides the Hub's structured logging and
// Prometheus metrics. Logging is built on log/slog with request/session/user
// correlation pulled from context and sensitive-value redaction; metrics
// cover LLM gateway calls, tool dispatch, HTTP requests, database queries,
// and Spoke channel presence.
package observability
