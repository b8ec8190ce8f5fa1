// Package llm implements C6 LLM Gateway: an ordered provider chain with
// circuit breaking, error classification, and wire translation of the
// Hub's canonical message list.
//
// The Provider interface is grounded on the teacher's
// internal/agent.LLMProvider (Complete/Name/Models/SupportsTools), trimmed
// to a single-shot Infer plus an optional streaming channel since this
// spec needs neither vision attachments nor extended-thinking mode. The
// error-classification table (ErrClass, Classify) is grounded on the
// teacher's internal/agent/providers/errors.go FailoverReason/ClassifyError.
// The ordered fallback chain with circuit breaking (Gateway.Infer) is
// grounded on the teacher's internal/agent/failover.go
// FailoverOrchestrator.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/pkg/hub"
)

// ErrClass categorizes a provider failure for fallback/retry decisions,
// per spec.md §4.6's error-class table.
type ErrClass string

const (
	ErrRateLimited       ErrClass = "rate_limited"
	ErrUnavailable       ErrClass = "unavailable"
	ErrTransientNetwork  ErrClass = "transient_network"
	ErrInvalidRequest    ErrClass = "invalid_request"
	ErrAuth              ErrClass = "auth"
	ErrUnknown           ErrClass = "unknown"
)

// ShouldFailover reports whether this class warrants trying the next
// provider in the chain rather than surfacing the error immediately.
func (c ErrClass) ShouldFailover() bool {
	switch c {
	case ErrRateLimited, ErrUnavailable, ErrTransientNetwork:
		return true
	default:
		return false
	}
}

// Classify inspects an error's text for the patterns spec.md §4.6 names.
// Providers that can distinguish these classes more precisely (HTTP status,
// structured error code) should wrap with ClassifiedError instead of
// relying on text sniffing.
func Classify(err error) ErrClass {
	if err == nil {
		return ErrUnknown
	}
	var ce *ClassifiedError
	if asClassifiedError(err, &ce) {
		return ce.Class
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return ErrRateLimited
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "invalid api key") || strings.Contains(s, "401") || strings.Contains(s, "403"):
		return ErrAuth
	case strings.Contains(s, "invalid request") || strings.Contains(s, "400") || strings.Contains(s, "bad request"):
		return ErrInvalidRequest
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded") || strings.Contains(s, "connection reset"):
		return ErrTransientNetwork
	case strings.Contains(s, "503") || strings.Contains(s, "502") || strings.Contains(s, "unavailable") || strings.Contains(s, "server error"):
		return ErrUnavailable
	default:
		return ErrUnknown
	}
}

func asClassifiedError(err error, target **ClassifiedError) bool {
	if ce, ok := err.(*ClassifiedError); ok {
		*target = ce
		return true
	}
	return false
}

// ClassifiedError lets a provider implementation state its error class
// directly instead of relying on Classify's text heuristics.
type ClassifiedError struct {
	Class   ErrClass
	Cause   error
	Message string
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Class)
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Message is one entry in the canonical conversation the gateway
// translates into each provider's wire format (spec.md §4.6).
type Message struct {
	Role       hub.Role         `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []hub.ToolCall   `json:"tool_calls,omitempty"`
}

// ChatOutcome is a provider's parsed response (spec.md §4.6:
// "{assistant_text, tool_calls}" or "{assistant_text}").
type ChatOutcome struct {
	AssistantText string
	ToolCalls     []hub.ToolCall
	Model         string
	Usage         json.RawMessage
}

// StreamChunk is one incremental piece of a streaming Infer call.
type StreamChunk struct {
	TextDelta string
	ToolCall  *hub.ToolCall
	Done      bool
	Outcome   *ChatOutcome
	Err       error
}

// Provider is a single LLM backend (OpenAI-compatible, Anthropic, or a
// local fallback).
type Provider interface {
	Name() string
	Infer(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (*ChatOutcome, error)
	InferStream(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (<-chan StreamChunk, error)
}

// ProviderConfig names one entry of the ordered chain spec.md §4.6
// configures: kind (openai/anthropic/local), model, optional API key/URL.
type ProviderConfig struct {
	Kind    string
	Model   string
	APIKey  string
	BaseURL string
}

type providerState struct {
	failures      int
	circuitOpen   bool
	circuitOpenAt time.Time
}

// Gateway holds the ordered provider chain and per-provider circuit
// breaker state.
type Gateway struct {
	mu        sync.Mutex
	providers []Provider
	state     map[string]*providerState

	turnDeadline            time.Duration
	circuitBreakerThreshold int
	circuitBreakerTimeout   time.Duration

	metrics *observability.Metrics
	logger  *observability.Logger
}

// Config configures chain-wide behavior (spec.md §4.6: per-turn deadline
// default 60s).
type Config struct {
	TurnDeadline            time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		TurnDeadline:            60 * time.Second,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

func NewGateway(providers []Provider, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Gateway {
	return &Gateway{
		providers:               providers,
		state:                   make(map[string]*providerState),
		turnDeadline:            cfg.TurnDeadline,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		circuitBreakerTimeout:   cfg.CircuitBreakerTimeout,
		metrics:                 metrics,
		logger:                  logger,
	}
}

func (g *Gateway) getState(name string) *providerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.state[name]
	if !ok {
		s = &providerState{}
		g.state[name] = s
	}
	return s
}

func (g *Gateway) isAvailable(name string) bool {
	s := g.getState(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	if !s.circuitOpen {
		return true
	}
	return time.Since(s.circuitOpenAt) > g.circuitBreakerTimeout
}

func (g *Gateway) recordSuccess(name string) {
	s := g.getState(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	s.failures = 0
	s.circuitOpen = false
}

func (g *Gateway) recordFailure(name string) {
	s := g.getState(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	s.failures++
	if s.failures >= g.circuitBreakerThreshold && !s.circuitOpen {
		s.circuitOpen = true
		s.circuitOpenAt = time.Now()
	}
}

// Infer walks the provider chain in order, advancing past failover-worthy
// errors and failing immediately on invalid_request/auth (spec.md §4.6).
// Wall time is bounded by the configured per-turn deadline.
func (g *Gateway) Infer(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (*ChatOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, g.turnDeadline)
	defer cancel()

	var lastErr error
	for _, p := range g.providers {
		if !g.isAvailable(p.Name()) {
			continue
		}

		outcome, err := p.Infer(ctx, messages, tools)
		if err == nil {
			g.recordSuccess(p.Name())
			return outcome, nil
		}

		lastErr = err
		class := Classify(err)
		if g.metrics != nil {
			g.metrics.RecordLLMRequest(p.Name(), "", string(class), 0)
		}
		if !class.ShouldFailover() {
			return nil, hub.Wrap(classToKind(class), fmt.Sprintf("provider %s", p.Name()), err)
		}

		g.recordFailure(p.Name())
		if g.metrics != nil {
			g.metrics.RecordFailover(string(class))
		}
		if g.logger != nil {
			g.logger.Warn(ctx, "provider failed, advancing to next", "provider", p.Name(), "class", string(class), "error", err)
		}
	}

	if lastErr == nil {
		return nil, hub.NewError(hub.KindProviderFatal, "no providers configured")
	}
	return nil, hub.Wrap(hub.KindProviderFatal, "all providers exhausted", lastErr)
}

// InferStream mirrors Infer but returns the first available provider's
// stream; fallback on a pre-stream error follows the same classification
// rule as Infer. Once streaming has started, a mid-stream error is
// surfaced to the caller rather than silently retried, since partial
// output may already have reached the client.
func (g *Gateway) InferStream(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (<-chan StreamChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, g.turnDeadline)

	var lastErr error
	for _, p := range g.providers {
		if !g.isAvailable(p.Name()) {
			continue
		}
		stream, err := p.InferStream(ctx, messages, tools)
		if err == nil {
			g.recordSuccess(p.Name())
			return wrapStreamCancel(stream, cancel), nil
		}
		lastErr = err
		class := Classify(err)
		if !class.ShouldFailover() {
			cancel()
			return nil, hub.Wrap(classToKind(class), fmt.Sprintf("provider %s", p.Name()), err)
		}
		g.recordFailure(p.Name())
	}
	cancel()
	if lastErr == nil {
		return nil, hub.NewError(hub.KindProviderFatal, "no providers configured")
	}
	return nil, hub.Wrap(hub.KindProviderFatal, "all providers exhausted", lastErr)
}

func wrapStreamCancel(in <-chan StreamChunk, cancel context.CancelFunc) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		for chunk := range in {
			out <- chunk
		}
	}()
	return out
}

func classToKind(c ErrClass) hub.Kind {
	switch c {
	case ErrInvalidRequest, ErrAuth:
		return hub.KindProviderFatal
	default:
		return hub.KindProviderTransient
	}
}
