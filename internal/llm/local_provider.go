package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/pkg/hub"
)

// LocalProvider talks to an Ollama-compatible /api/chat endpoint, for the
// "local" provider kind of spec.md §4.6. Grounded on the teacher's
// internal/agent/providers/ollama.go: raw net/http client, newline-delimited
// JSON streaming response, no SDK dependency since Ollama has none in the
// example pack.
type LocalProvider struct {
	client  *http.Client
	baseURL string
	model   string
}

func NewLocalProvider(cfg ProviderConfig) *LocalProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &LocalProvider{
		client:  &http.Client{Timeout: 2 * time.Minute},
		baseURL: baseURL,
		model:   cfg.Model,
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Infer(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (*ChatOutcome, error) {
	stream, err := p.InferStream(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	var outcome *ChatOutcome
	var text strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		text.WriteString(chunk.TextDelta)
		if chunk.Done {
			outcome = chunk.Outcome
		}
	}
	if outcome == nil {
		return nil, &ClassifiedError{Class: ErrUnavailable, Message: "local: no response"}
	}
	if outcome.AssistantText == "" {
		outcome.AssistantText = text.String()
	}
	return outcome, nil
}

func (p *LocalProvider) InferStream(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (<-chan StreamChunk, error) {
	payload := localChatRequest{
		Model:    p.model,
		Stream:   true,
		Messages: toLocalMessages(messages),
	}
	if len(tools) > 0 {
		payload.Tools = toLocalTools(tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ClassifiedError{Class: ErrInvalidRequest, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ClassifiedError{Class: ErrInvalidRequest, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ClassifiedError{Class: ErrTransientNetwork, Cause: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, classifyLocalStatus(resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	out := make(chan StreamChunk)
	go p.streamResponse(ctx, resp.Body, out)
	return out, nil
}

func (p *LocalProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var text strings.Builder
	var toolCalls []hub.ToolCall

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- StreamChunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp localChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("local: decode response: %w", err), Done: true}
			return
		}
		if resp.Error != "" {
			out <- StreamChunk{Err: &ClassifiedError{Class: ErrUnavailable, Message: resp.Error}, Done: true}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				text.WriteString(resp.Message.Content)
				out <- StreamChunk{TextDelta: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				toolCalls = append(toolCalls, hub.ToolCall{Name: tc.Function.Name, Arguments: args})
			}
		}
		if resp.Done {
			out <- StreamChunk{Done: true, Outcome: &ChatOutcome{
				AssistantText: text.String(),
				ToolCalls:     toolCalls,
				Model:         p.model,
			}}
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		out <- StreamChunk{Err: err, Done: true}
	}
}

func classifyLocalStatus(status int, body string) error {
	msg := fmt.Sprintf("local: status %d: %s", status, body)
	switch {
	case status == 400:
		return &ClassifiedError{Class: ErrInvalidRequest, Message: msg}
	case status == 401 || status == 403:
		return &ClassifiedError{Class: ErrAuth, Message: msg}
	case status == 429:
		return &ClassifiedError{Class: ErrRateLimited, Message: msg}
	case status >= 500:
		return &ClassifiedError{Class: ErrUnavailable, Message: msg}
	default:
		return &ClassifiedError{Class: ErrUnknown, Message: msg}
	}
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Tools    []localTool        `json:"tools,omitempty"`
	Stream   bool               `json:"stream"`
}

type localChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []localToolCall `json:"tool_calls,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
}

type localChatResponse struct {
	Message *localChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

type localToolCall struct {
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function localToolFunction `json:"function"`
}

type localToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type localTool struct {
	Type     string        `json:"type"`
	Function localFunction `json:"function"`
}

type localFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func toLocalMessages(messages []Message) []localChatMessage {
	toolNames := map[string]string{}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	out := make([]localChatMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case hub.RoleTool:
			out = append(out, localChatMessage{Role: "tool", Content: m.Content, ToolName: toolNames[m.ToolCallID]})
		case hub.RoleAssistant:
			lm := localChatMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				lm.ToolCalls = append(lm.ToolCalls, localToolCall{ID: tc.ID, Type: "function", Function: localToolFunction{Name: tc.Name, Arguments: args}})
			}
			out = append(out, lm)
		default:
			out = append(out, localChatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

func toLocalTools(tools []dispatch.ToolSchema) []localTool {
	out := make([]localTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, localTool{
			Type: "function",
			Function: localFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
