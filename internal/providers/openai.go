package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"

	"github.com/sashabaranov/go-openai"

	"github.com/rendis/agentgraph/pkg/schema"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	Name      string // registry ID, default "openai"
	APIKey    string
	BaseURL   string // optional, for proxies and compatible servers
	MaxTokens int    // default when the model metadata omits max_tokens
	Retry     RetryPolicy
}

// OpenAIProvider streams chat completions through go-openai.
type OpenAIProvider struct {
	name      string
	client    *openai.Client
	maxTokens int
	retry     RetryPolicy
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &OpenAIProvider{
		name:      cfg.Name,
		client:    openai.NewClientWithConfig(clientCfg),
		maxTokens: cfg.MaxTokens,
		retry:     cfg.Retry,
	}
}

// Name returns the provider ID.
func (p *OpenAIProvider) Name() string { return p.name }

// Stream opens a streaming chat completion and translates its SSE deltas.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		chatReq, err := p.buildRequest(req)
		if err != nil {
			yield(failure(&ProviderError{Provider: p.name, Model: req.Config.Model, Message: err.Error(), Cause: err}))
			return
		}
		withRetry(ctx, p.retry, func(ctx context.Context, emit func(Event) bool) (bool, *ProviderError) {
			return p.streamOnce(ctx, chatReq, emit)
		}, yield)
	}
}

func (p *OpenAIProvider) streamOnce(ctx context.Context, chatReq openai.ChatCompletionRequest, emit func(Event) bool) (bool, *ProviderError) {
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return false, p.wrapError(chatReq.Model, err)
	}
	defer stream.Close()

	started := false
	start := func(model, id string) bool {
		if started {
			return true
		}
		started = true
		if model == "" {
			model = chatReq.Model
		}
		return emit(turnStart(model, id))
	}

	var finish string
	var reported *openai.Usage
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return started, p.wrapError(chatReq.Model, err)
		}
		if !start(resp.Model, resp.ID) {
			return true, nil
		}
		if resp.Usage != nil {
			reported = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !emit(content(choice.Delta.Content)) {
				return true, nil
			}
		}
		for i, tc := range choice.Delta.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			if !emit(toolFragment(index, tc.ID, tc.Function.Name, tc.Function.Arguments)) {
				return true, nil
			}
		}
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	if !start(chatReq.Model, "") {
		return true, nil
	}
	if !emit(turnEnd(finish)) {
		return true, nil
	}
	var in, out int64
	if reported != nil {
		in, out = int64(reported.PromptTokens), int64(reported.CompletionTokens)
	}
	emit(usage(in, out))
	return true, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Config.Model,
		Messages:      toOpenAIMessages(req.Messages),
		MaxTokens:     req.Config.MaxTokens(p.maxTokens),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if t, ok := req.Config.Temperature(); ok {
		chatReq.Temperature = float32(t)
	}
	if len(req.Tools) > 0 {
		tools, err := toOpenAITools(req.Tools)
		if err != nil {
			return chatReq, err
		}
		chatReq.Tools = tools
	}
	return chatReq, nil
}

func toOpenAIMessages(msgs []schema.GenericChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case schema.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case schema.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
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
		case schema.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		default:
			msg.Role = openai.ChatMessageRoleUser
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(defs []schema.ToolDefinition) ([]openai.Tool, error) {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if !json.Valid(params) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "tool %q has invalid parameter schema", d.Name)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func (p *OpenAIProvider) wrapError(model string, err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newProviderError(p.name, model, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newProviderError(p.name, model, reqErr.HTTPStatusCode, err)
	}
	return newProviderError(p.name, model, 0, err)
}

var _ ChatProvider = (*OpenAIProvider)(nil)
