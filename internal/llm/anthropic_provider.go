package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/pkg/hub"
)

// AnthropicProvider wraps anthropic-sdk-go, grounded on the teacher's
// internal/agent/providers/anthropic.go client construction
// (option.WithAPIKey/WithBaseURL) and its content-block message
// translation, trimmed to the non-beta Messages API and text/tool_use
// blocks only — this spec has no vision or extended-thinking requirement.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Infer(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (*ChatOutcome, error) {
	params := p.buildParams(messages, tools)
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicErr(err)
	}
	return anthropicToOutcome(msg), nil
}

func (p *AnthropicProvider) InferStream(ctx context.Context, messages []Message, tools []dispatch.ToolSchema) (<-chan StreamChunk, error) {
	params := p.buildParams(messages, tools)
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		acc := anthropic.Message{}
		var text strings.Builder
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				out <- StreamChunk{Err: err, Done: true}
				return
			}
			if delta := event.AsContentBlockDelta(); delta.Delta.Text != "" {
				text.WriteString(delta.Delta.Text)
				out <- StreamChunk{TextDelta: delta.Delta.Text}
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: classifyAnthropicErr(err), Done: true}
			return
		}
		outcome := anthropicToOutcome(&acc)
		out <- StreamChunk{Done: true, Outcome: outcome}
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(messages []Message, tools []dispatch.ToolSchema) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	var converted []anthropic.MessageParam

	for _, m := range messages {
		if m.Role == hub.RoleSystem {
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
			continue
		}
		converted = append(converted, toAnthropicMessage(m))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 4096,
		Messages:  converted,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}
	return params
}

func toAnthropicMessage(m Message) anthropic.MessageParam {
	var content []anthropic.ContentBlockParamUnion

	if m.Role == hub.RoleTool {
		content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		return anthropic.NewUserMessage(content...)
	}

	if m.Content != "" {
		content = append(content, anthropic.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal(tc.Arguments, &input)
		content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}

	if m.Role == hub.RoleAssistant {
		return anthropic.NewAssistantMessage(content...)
	}
	return anthropic.NewUserMessage(content...)
}

func toAnthropicTools(tools []dispatch.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

func anthropicToOutcome(msg *anthropic.Message) *ChatOutcome {
	outcome := &ChatOutcome{Model: string(msg.Model)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			outcome.ToolCalls = append(outcome.ToolCalls, hub.ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: json.RawMessage(v.Input),
			})
		}
	}
	outcome.AssistantText = text.String()
	usage, _ := json.Marshal(msg.Usage)
	outcome.Usage = usage
	return outcome
}

func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return &ClassifiedError{Class: ErrAuth, Cause: err}
		case 400:
			return &ClassifiedError{Class: ErrInvalidRequest, Cause: err}
		case 429:
			return &ClassifiedError{Class: ErrRateLimited, Cause: err}
		default:
			if apiErr.StatusCode >= 500 {
				return &ClassifiedError{Class: ErrUnavailable, Cause: err}
			}
		}
	}
	return &ClassifiedError{Class: Classify(err), Cause: err}
}
