package providers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rendis/agentgraph/pkg/schema"
)

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	Name      string // registry ID, default "anthropic"
	APIKey    string
	BaseURL   string
	MaxTokens int
	Retry     RetryPolicy
}

// AnthropicProvider streams the Messages API through anthropic-sdk-go.
type AnthropicProvider struct {
	name      string
	client    anthropic.Client
	maxTokens int
	retry     RetryPolicy
}

// NewAnthropicProvider creates an Anthropic provider. The SDK's own retries
// are disabled; RetryPolicy governs retries instead.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicProvider{
		name:      cfg.Name,
		client:    anthropic.NewClient(opts...),
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}
}

// Name returns the provider ID.
func (p *AnthropicProvider) Name() string { return p.name }

// Stream opens a Messages stream and translates its SSE events.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		params, err := p.buildParams(req)
		if err != nil {
			yield(failure(&ProviderError{Provider: p.name, Model: req.Config.Model, Message: err.Error(), Cause: err}))
			return
		}
		withRetry(ctx, p.retry, func(ctx context.Context, emit func(Event) bool) (bool, *ProviderError) {
			return p.streamOnce(ctx, params, emit)
		}, yield)
	}
}

func (p *AnthropicProvider) streamOnce(ctx context.Context, params anthropic.MessageNewParams, emit func(Event) bool) (bool, *ProviderError) {
	model := string(params.Model)
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	started := false
	// Anthropic numbers content blocks across text and tool use; tool calls
	// are renumbered densely from zero.
	toolIndex := map[int64]int{}
	var inputTokens, outputTokens int64
	var stopReason string

	for stream.Next() {
		ev := stream.Current()
		switch ev.Type {
		case "message_start":
			msg := ev.AsMessageStart().Message
			inputTokens = msg.Usage.InputTokens
			if msg.Model != "" {
				model = string(msg.Model)
			}
			started = true
			if !emit(turnStart(model, msg.ID)) {
				return true, nil
			}

		case "content_block_start":
			start := ev.AsContentBlockStart()
			if start.ContentBlock.Type != "tool_use" {
				continue
			}
			toolUse := start.ContentBlock.AsToolUse()
			idx := len(toolIndex)
			toolIndex[start.Index] = idx
			if !emit(toolFragment(idx, toolUse.ID, toolUse.Name, "")) {
				return true, nil
			}

		case "content_block_delta":
			delta := ev.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text == "" {
					continue
				}
				if !emit(content(delta.Delta.Text)) {
					return true, nil
				}
			case "input_json_delta":
				idx, ok := toolIndex[delta.Index]
				if !ok || delta.Delta.PartialJSON == "" {
					continue
				}
				if !emit(toolFragment(idx, "", "", delta.Delta.PartialJSON)) {
					return true, nil
				}
			}

		case "message_delta":
			md := ev.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = md.Usage.OutputTokens
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}

		case "message_stop":
			if !emit(turnEnd(stopReason)) {
				return true, nil
			}
			emit(usage(inputTokens, outputTokens))
			return true, nil

		case "error":
			return started, newProviderError(p.name, model, 0, errors.New("anthropic stream error event"))
		}
	}

	if err := stream.Err(); err != nil {
		return started, p.wrapError(model, err)
	}
	// Stream ended without message_stop.
	if !started && !emit(turnStart(model, "")) {
		return true, nil
	}
	if !emit(turnEnd(stopReason)) {
		return true, nil
	}
	emit(usage(inputTokens, outputTokens))
	return true, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Config.Model),
		Messages:  messages,
		MaxTokens: int64(req.Config.MaxTokens(p.maxTokens)),
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if t, ok := req.Config.Temperature(); ok {
		params.Temperature = anthropic.Float(t)
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	return params, nil
}

// toAnthropicMessages folds tool results into user messages, which is where
// the Messages API expects them. Consecutive tool results share one message.
func toAnthropicMessages(msgs []schema.GenericChatMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case schema.RoleSystem:
			continue
		case schema.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case schema.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool call %s has invalid arguments", tc.ID).WithCause(err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return out, nil
}

func toAnthropicTools(defs []schema.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var inputSchema anthropic.ToolInputSchemaParam
		if len(d.Parameters) > 0 {
			if err := json.Unmarshal(d.Parameters, &inputSchema); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool %q has invalid parameter schema", d.Name).WithCause(err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(inputSchema, d.Name)
		if param.OfTool != nil && d.Description != "" {
			param.OfTool.Description = anthropic.String(d.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func (p *AnthropicProvider) wrapError(model string, err error) *ProviderError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return newProviderError(p.name, model, apiErr.StatusCode, err)
	}
	return newProviderError(p.name, model, 0, err)
}

var _ ChatProvider = (*AnthropicProvider)(nil)
