package providers

import (
	"context"
	"encoding/json"
	"iter"
	"math"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/rendis/agentgraph/pkg/schema"
)

// GeminiConfig configures the Gemini API provider.
type GeminiConfig struct {
	Name      string // registry ID, default "gemini"
	APIKey    string
	BaseURL   string
	MaxTokens int
	Retry     RetryPolicy
}

type generateStreamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiProvider streams GenerateContent through google.golang.org/genai.
type GeminiProvider struct {
	name      string
	generate  generateStreamFunc
	maxTokens int
	retry     RetryPolicy
}

// NewGeminiProvider creates a Gemini provider backed by the Gemini API.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "create gemini client").WithCause(err)
	}
	return newGeminiProvider(cfg, client.Models.GenerateContentStream), nil
}

func newGeminiProvider(cfg GeminiConfig, generate generateStreamFunc) *GeminiProvider {
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &GeminiProvider{name: cfg.Name, generate: generate, maxTokens: cfg.MaxTokens, retry: cfg.Retry}
}

// Name returns the provider ID.
func (p *GeminiProvider) Name() string { return p.name }

// Stream runs GenerateContentStream and translates its responses.
func (p *GeminiProvider) Stream(ctx context.Context, req *Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		contents := toGeminiContents(req.Messages)
		cfg := p.buildConfig(req)
		withRetry(ctx, p.retry, func(ctx context.Context, emit func(Event) bool) (bool, *ProviderError) {
			return p.streamOnce(ctx, req.Config.Model, contents, cfg, emit)
		}, yield)
	}
}

func (p *GeminiProvider) streamOnce(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig, emit func(Event) bool) (bool, *ProviderError) {
	started := false
	start := func() bool {
		if started {
			return true
		}
		started = true
		return emit(turnStart(model, "gemini-"+uuid.NewString()))
	}

	// Gemini delivers each function call whole, so every call is one fragment.
	toolIndex := 0
	var finish string
	var in, out int64

	for resp, err := range p.generate(ctx, model, contents, cfg) {
		if err != nil {
			return started, newProviderError(p.name, model, 0, err)
		}
		if resp == nil {
			continue
		}
		if !start() {
			return true, nil
		}
		if resp.UsageMetadata != nil {
			in = int64(resp.UsageMetadata.PromptTokenCount)
			out = int64(resp.UsageMetadata.CandidatesTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand == nil {
				continue
			}
			if cand.FinishReason != "" {
				finish = string(cand.FinishReason)
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !emit(content(part.Text)) {
						return true, nil
					}
				}
				if part.FunctionCall != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					id := "call_" + uuid.NewString()
					if !emit(toolFragment(toolIndex, id, part.FunctionCall.Name, string(args))) {
						return true, nil
					}
					toolIndex++
				}
			}
		}
	}

	if !start() {
		return true, nil
	}
	if !emit(turnEnd(strings.ToLower(finish))) {
		return true, nil
	}
	emit(usage(in, out))
	return true, nil
}

func (p *GeminiProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if system := req.SystemPrompt(); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	maxTokens := min(req.Config.MaxTokens(p.maxTokens), math.MaxInt32)
	cfg.MaxOutputTokens = int32(maxTokens)
	if t, ok := req.Config.Temperature(); ok {
		temp := float32(t)
		cfg.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toGeminiTools(req.Tools)
	}
	return cfg
}

func toGeminiContents(msgs []schema.GenericChatMessage) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		if m.Role == schema.RoleSystem {
			continue
		}
		c := &genai.Content{Role: genai.RoleUser}
		switch m.Role {
		case schema.RoleAssistant:
			c.Role = genai.RoleModel
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal(tc.Arguments, &args)
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}})
			}
		case schema.RoleTool:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			if m.IsError {
				response = map[string]any{"error": m.Content}
			}
			c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{Name: m.Name, Response: response}})
		default:
			c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
		}
		if len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func toGeminiTools(defs []schema.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		var schemaMap map[string]any
		if len(d.Parameters) > 0 {
			if err := json.Unmarshal(d.Parameters, &schemaMap); err != nil {
				continue
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON Schema object to Gemini's OpenAPI subset.
func toGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		s.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if v, ok := r.(string); ok {
				s.Required = append(s.Required, v)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	return s
}

var _ ChatProvider = (*GeminiProvider)(nil)
