package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/pkg/hub"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint,
// grounded on the teacher's internal/agent/providers/openai.go client
// wiring (sashabaranov/go-openai, custom BaseURL for OpenAI-compatible
// deployments), trimmed of vision attachments and extended-thinking, which
// this spec's tool set never uses.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(oaCfg),
		model:  cfg.Model,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Infer(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (*ChatOutcome, error) {
	req := p.buildRequest(messages, tools, false)
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ClassifiedError{Class: ErrUnavailable, Message: "empty choices"}
	}
	return toOutcome(resp.Choices[0].Message, resp.Model, resp.Usage), nil
}

func (p *OpenAIProvider) InferStream(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools, true)
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		toolCalls := make(map[int]*hub.ToolCall)
		var text string
		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					out <- StreamChunk{Done: true, Outcome: &ChatOutcome{AssistantText: text, ToolCalls: flattenToolCalls(toolCalls)}}
					return
				}
				out <- StreamChunk{Err: err, Done: true}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				text += delta.Content
				out <- StreamChunk{TextDelta: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if toolCalls[idx] == nil {
					toolCalls[idx] = &hub.ToolCall{}
				}
				if tc.ID != "" {
					toolCalls[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCalls[idx].Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					toolCalls[idx].Arguments = append(toolCalls[idx].Arguments, []byte(tc.Function.Arguments)...)
				}
			}
		}
	}()
	return out, nil
}

func flattenToolCalls(m map[int]*hub.ToolCall) []hub.ToolCall {
	out := make([]hub.ToolCall, 0, len(m))
	for i := 0; i < len(m); i++ {
		if tc, ok := m[i]; ok {
			out = append(out, *tc)
		}
	}
	return out
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []dispatch.ToolSchema, stream bool) openai.ChatCompletionRequest {
	oaMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaMessages = append(oaMessages, toOpenAIMessage(m))
	}
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: oaMessages,
		Stream:   stream,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}
	return req
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return msg
}

func toOpenAITools(tools []dispatch.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Parameters, &params)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func toOutcome(msg openai.ChatCompletionMessage, model string, usage openai.Usage) *ChatOutcome {
	outcome := &ChatOutcome{AssistantText: msg.Content, Model: model}
	for _, tc := range msg.ToolCalls {
		outcome.ToolCalls = append(outcome.ToolCalls, hub.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	usageJSON, _ := json.Marshal(usage)
	outcome.Usage = usageJSON
	return outcome
}

func classifyOpenAIErr(err error) error {
	if apiErr, ok := err.(*openai.APIError); ok {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return &ClassifiedError{Class: ErrAuth, Cause: err}
		case 400:
			return &ClassifiedError{Class: ErrInvalidRequest, Cause: err}
		case 429:
			return &ClassifiedError{Class: ErrRateLimited, Cause: err}
		default:
			if apiErr.HTTPStatusCode >= 500 {
				return &ClassifiedError{Class: ErrUnavailable, Cause: err}
			}
		}
	}
	return &ClassifiedError{Class: Classify(err), Cause: err, Message: fmt.Sprintf("openai: %v", err)}
}
