// Package agentloop implements C7 Agent Loop: the iterative
// infer-dispatch-infer state machine that turns one new user message plus a
// session's history into a final assistant message, executing any tool
// calls the LLM emits along the way.
//
// The phase structure (init → stream → execute-tools → continue, looping
// until no tool calls remain or max_iterations is hit) is grounded on the
// teacher's internal/agent/loop.go AgenticLoop.Run, trimmed of branch-aware
// history, steering queues, and async tool jobs — none of which this spec's
// tool set needs, since python_exec is always synchronous from C7's view
// (the timeout lives in C5/C4, not here).
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/internal/llm"
	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

// EventType names an SSE event kind per spec.md §6.
type EventType string

const (
	EventToolCallStarted EventType = "tool_call_started"
	EventToolCallResult  EventType = "tool_call_result"
	EventAssistantMsg    EventType = "assistant_message"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// Event is one SSE frame emitted during a run. Only the fields relevant to
// its Type are populated.
type Event struct {
	Type        EventType       `json:"type"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Success     bool            `json:"success,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Cached      bool            `json:"cached,omitempty"`
	Content     string          `json:"content,omitempty"`
	Model       string          `json:"model,omitempty"`
	Usage       json.RawMessage `json:"usage,omitempty"`
}

// Config tunes the loop's iteration bound (spec.md §4.7: max_iterations
// default 5).
type Config struct {
	MaxIterations int
}

func DefaultConfig() Config {
	return Config{MaxIterations: 5}
}

// Loop wires together the LLM gateway, the tool dispatcher, and the
// message store for one Hub.
type Loop struct {
	gateway    *llm.Gateway
	dispatcher *dispatch.Dispatcher
	messages   *storage.MessageStore
	cfg        Config
	metrics    *observability.Metrics
	logger     *observability.Logger
}

func New(gateway *llm.Gateway, dispatcher *dispatch.Dispatcher, messages *storage.MessageStore, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Loop {
	return &Loop{gateway: gateway, dispatcher: dispatcher, messages: messages, cfg: cfg, metrics: metrics, logger: logger}
}

// Run persists userMessage, then iterates infer→dispatch→infer until the
// LLM stops requesting tools or max_iterations is reached, streaming
// progress as Events. The returned channel is closed after a `done` (or
// terminal `error`) event; callers should read until it closes.
func (l *Loop) Run(ctx context.Context, session *hub.Session, userMessage string, toolSchemas []dispatch.ToolSchema) <-chan Event {
	events := make(chan Event, 16)
	ctx = observability.AddSessionID(ctx, session.ID)

	go func() {
		defer close(events)

		if l.metrics != nil {
			l.metrics.ActiveAgentLoops.Inc()
			defer l.metrics.ActiveAgentLoops.Dec()
		}

		if _, err := l.messages.Append(ctx, &hub.Message{
			SessionID: session.ID,
			Role:      hub.RoleUser,
			Content:   userMessage,
		}); err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}

		history, err := l.messages.ListBySession(ctx, session.ID)
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}
		transcript := toLLMMessages(history)

		cache := dispatch.NewTurnCache()

		for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
			select {
			case <-ctx.Done():
				events <- Event{Type: EventError, Error: ctx.Err().Error()}
				return
			default:
			}

			outcome, err := l.gateway.Infer(ctx, transcript, toolSchemas)
			if err != nil {
				if l.logger != nil {
					l.logger.Error(ctx, "agent loop inference failed", "error", err)
				}
				events <- Event{Type: EventError, Error: string(hub.KindOf(err))}
				return
			}

			assistantMsg := &hub.Message{
				SessionID: session.ID,
				Role:      hub.RoleAssistant,
				Content:   outcome.AssistantText,
				Model:     outcome.Model,
				Usage:     outcome.Usage,
			}
			if len(outcome.ToolCalls) > 0 {
				raw, _ := json.Marshal(outcome.ToolCalls)
				assistantMsg.ToolCalls = raw
			}
			if _, err := l.messages.Append(ctx, assistantMsg); err != nil {
				events <- Event{Type: EventError, Error: err.Error()}
				return
			}
			transcript = append(transcript, llm.Message{
				Role:      hub.RoleAssistant,
				Content:   outcome.AssistantText,
				ToolCalls: outcome.ToolCalls,
			})

			if len(outcome.ToolCalls) == 0 {
				events <- Event{Type: EventAssistantMsg, Content: outcome.AssistantText, Model: outcome.Model, Usage: outcome.Usage}
				events <- Event{Type: EventDone}
				return
			}

			// Tool calls execute sequentially in emission order (spec.md
			// §5): each tool's started/result pair is emitted before the
			// next tool begins, never interleaved.
			for _, tc := range outcome.ToolCalls {
				events <- Event{Type: EventToolCallStarted, ToolCallID: tc.ID, ToolName: tc.Name, Arguments: tc.Arguments}

				result := l.dispatcher.Dispatch(ctx, cache, tc.Name, tc.Arguments, session.UserID, session.DeviceID)
				result.ToolCallID = tc.ID

				events <- Event{
					Type:       EventToolCallResult,
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Success:    result.Success,
					Result:     result.Result,
					Error:      result.Error,
					Cached:     result.Cached,
				}

				toolContent := result.Result
				if !result.Success {
					toolContent = result.Error
				}
				if _, err := l.messages.Append(ctx, &hub.Message{
					SessionID:  session.ID,
					Role:       hub.RoleTool,
					Content:    toolContent,
					ToolCallID: tc.ID,
				}); err != nil {
					events <- Event{Type: EventError, Error: err.Error()}
					return
				}
				transcript = append(transcript, llm.Message{
					Role:       hub.RoleTool,
					Content:    toolContent,
					ToolCallID: tc.ID,
				})
				// device_offline does not abort the loop (spec.md §4.7):
				// it is surfaced as an ordinary tool result and the LLM
				// decides how to react on its next turn.
			}
		}

		exhaustion := fmt.Sprintf("Stopped after %d iterations without a final answer.", l.cfg.MaxIterations)
		if _, err := l.messages.Append(ctx, &hub.Message{
			SessionID: session.ID,
			Role:      hub.RoleAssistant,
			Content:   exhaustion,
		}); err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}
		events <- Event{Type: EventAssistantMsg, Content: exhaustion}
		events <- Event{Type: EventDone}
	}()

	return events
}

func toLLMMessages(history []*hub.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		lm := llm.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if len(m.ToolCalls) > 0 {
			_ = json.Unmarshal(m.ToolCalls, &lm.ToolCalls)
		}
		out = append(out, lm)
	}
	return out
}
