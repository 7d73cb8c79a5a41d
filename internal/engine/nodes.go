package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rendis/agentgraph/internal/chat"
	"github.com/rendis/agentgraph/internal/expressions"
	"github.com/rendis/agentgraph/internal/providers"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/tools"
	"github.com/rendis/agentgraph/pkg/schema"
)

// Upstream is the completed result of one input node.
type Upstream struct {
	NodeID   string
	NodeType schema.NodeType
	Result   schema.AgentNodeResult
}

// NodeInput is everything a node sees when it runs.
type NodeInput struct {
	ExecutionID string
	GraphID     string
	Input       string // the execution's initial input
	Upstream    []Upstream
	Publisher   streaming.Publisher
}

func (in *NodeInput) texts() []string {
	out := make([]string, len(in.Upstream))
	for i, u := range in.Upstream {
		out[i] = u.Result.Text()
	}
	return out
}

func (in *NodeInput) scope() *expressions.Scope {
	named := make([]expressions.NamedInput, len(in.Upstream))
	for i, u := range in.Upstream {
		named[i] = expressions.NamedInput{NodeID: u.NodeID, Text: u.Result.Text()}
	}
	return expressions.NewScope(in.ExecutionID, in.GraphID, named)
}

// AgentNode is the behavior of one node type. Implementations hold only
// configuration resolved when the graph is built and are safe to run once
// per execution.
type AgentNode interface {
	Type() schema.NodeType
	Execute(ctx context.Context, in *NodeInput) (schema.AgentNodeResult, error)
}

// reportedError marks a failure that already has an ExceptionResult on the bus.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func alreadyReported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}

// nodeFactory resolves node behavior against the executor's collaborators.
type nodeFactory struct {
	providers    *providers.Registry
	tools        *tools.Registry
	orchestrator *chat.Orchestrator
	evaluator    *expressions.Evaluator
	// override, when set, replaces every Model node's provider.
	override providers.ChatProvider
}

func (f *nodeFactory) build(def *schema.NodeDefinition) (AgentNode, error) {
	switch def.Type {
	case schema.NodeTypeInput:
		var cfg schema.InputConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		return &InputNode{cfg: cfg}, nil

	case schema.NodeTypeOutput:
		var cfg schema.OutputConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		sep := "\n"
		if cfg.Separator != nil {
			sep = *cfg.Separator
		}
		return &OutputNode{separator: sep}, nil

	case schema.NodeTypeStringFormatter:
		var cfg schema.StringFormatterConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		if _, err := expressions.TemplateRefs(cfg.Template); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "node %s: %s", def.ID, err.Error()).WithNode(def.ID).WithCause(err)
		}
		return &StringFormatterNode{template: cfg.Template}, nil

	case schema.NodeTypeConditional:
		var cfg schema.ConditionalConfig
		if err := decodeConfig(def, &cfg); err != nil {
			return nil, err
		}
		if f.evaluator == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "no expression evaluator configured").WithNode(def.ID)
		}
		for i, c := range cfg.Conditions {
			if err := f.evaluator.Compile(c.Language, c.Expression); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExpression, "node %s condition %d: %s", def.ID, i, err.Error()).
					WithNode(def.ID).WithCause(err)
			}
		}
		return &ConditionalNode{cfg: cfg, evaluator: f.evaluator}, nil

	case schema.NodeTypeModel:
		return f.buildModel(def)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type: %s", def.ID, def.Type).WithNode(def.ID)
	}
}

// buildModel resolves the provider and tool handlers once, before scheduling.
func (f *nodeFactory) buildModel(def *schema.NodeDefinition) (AgentNode, error) {
	var cfg schema.ModelConfig
	if err := decodeConfig(def, &cfg); err != nil {
		return nil, err
	}
	if f.orchestrator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no chat orchestrator configured").WithNode(def.ID)
	}

	provider := f.override
	if provider == nil {
		if f.providers == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "no provider registry configured").WithNode(def.ID)
		}
		p, err := f.providers.Get(cfg.Model.Provider)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s: %s", def.ID, err.Error()).WithNode(def.ID).WithCause(err)
		}
		provider = p
	}

	handlers := make([]*tools.Handler, 0, len(cfg.Tools))
	for _, name := range cfg.Tools {
		if f.tools == nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q: no tool registry configured", name).WithNode(def.ID)
		}
		h, err := f.tools.Resolve(name)
		if err != nil {
			var ae *schema.AgentError
			if errors.As(err, &ae) {
				return nil, ae.WithNode(def.ID)
			}
			return nil, err
		}
		handlers = append(handlers, h.WithTimeout(cfg.ToolTimeoutDuration(0)))
	}

	return &ModelNode{
		id:           def.ID,
		provider:     provider,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		tools:        handlers,
		maxTurns:     cfg.MaxTurns,
		orchestrator: f.orchestrator,
	}, nil
}

func decodeConfig(def *schema.NodeDefinition, v any) error {
	if len(def.Config) == 0 || string(def.Config) == "null" {
		return nil
	}
	if err := json.Unmarshal(def.Config, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has invalid config: %s", def.ID, err.Error()).
			WithNode(def.ID).WithCause(err)
	}
	return nil
}

// InputNode yields the execution's initial input.
type InputNode struct {
	cfg schema.InputConfig
}

func (n *InputNode) Type() schema.NodeType { return schema.NodeTypeInput }

func (n *InputNode) Execute(_ context.Context, in *NodeInput) (schema.AgentNodeResult, error) {
	if in.Input == "" {
		return &schema.TextNodeResult{Value: n.cfg.Default}, nil
	}
	return &schema.TextNodeResult{Value: in.Input}, nil
}

// OutputNode joins its upstream texts.
type OutputNode struct {
	separator string
}

func (n *OutputNode) Type() schema.NodeType { return schema.NodeTypeOutput }

func (n *OutputNode) Execute(_ context.Context, in *NodeInput) (schema.AgentNodeResult, error) {
	return &schema.TextNodeResult{Value: strings.Join(in.texts(), n.separator)}, nil
}

// StringFormatterNode renders a template against its upstream texts.
type StringFormatterNode struct {
	template string
}

func (n *StringFormatterNode) Type() schema.NodeType { return schema.NodeTypeStringFormatter }

func (n *StringFormatterNode) Execute(_ context.Context, in *NodeInput) (schema.AgentNodeResult, error) {
	out, err := expressions.RenderTemplate(n.template, in.scope())
	if err != nil {
		return nil, err
	}
	return &schema.TextNodeResult{Value: out}, nil
}

// ConditionalNode selects the targets of the first condition that holds,
// or the default targets when none does.
type ConditionalNode struct {
	cfg       schema.ConditionalConfig
	evaluator *expressions.Evaluator
}

func (n *ConditionalNode) Type() schema.NodeType { return schema.NodeTypeConditional }

func (n *ConditionalNode) Execute(ctx context.Context, in *NodeInput) (schema.AgentNodeResult, error) {
	scope := in.scope()
	next := n.cfg.Default
	for i, c := range n.cfg.Conditions {
		ok, err := n.evaluator.Truthy(ctx, c.Language, c.Expression, scope)
		if err != nil {
			var ae *schema.AgentError
			if errors.As(err, &ae) {
				if ae.Details == nil {
					ae.Details = make(map[string]any, 1)
				}
				ae.Details["condition"] = i
			}
			return nil, err
		}
		if ok {
			next = c.Next
			break
		}
	}
	return &schema.ConditionalNodeResult{
		Inputs:      in.texts(),
		NextNodeIDs: append([]string{}, next...),
	}, nil
}

// ModelNode runs one chat exchange through the orchestrator.
type ModelNode struct {
	id           string
	provider     providers.ChatProvider
	model        schema.ActionModelConfiguration
	systemPrompt string
	tools        []*tools.Handler
	maxTurns     int
	orchestrator *chat.Orchestrator
}

func (n *ModelNode) Type() schema.NodeType { return schema.NodeTypeModel }

// Messages builds the exchange's opening messages: the system prompt, then
// the upstream texts as one user message. A root Model node is prompted with
// the execution's initial input.
func (n *ModelNode) Messages(in *NodeInput) []schema.GenericChatMessage {
	var msgs []schema.GenericChatMessage
	if n.systemPrompt != "" {
		msgs = append(msgs, schema.GenericChatMessage{Role: schema.RoleSystem, Content: n.systemPrompt})
	}
	prompt := strings.Join(in.texts(), "\n")
	if len(in.Upstream) == 0 {
		prompt = in.Input
	}
	if prompt != "" {
		msgs = append(msgs, schema.GenericChatMessage{Role: schema.RoleUser, Content: prompt})
	}
	return msgs
}

func (n *ModelNode) Execute(ctx context.Context, in *NodeInput) (schema.AgentNodeResult, error) {
	res, err := n.orchestrator.Run(ctx, chat.Request{
		NodeID:    n.id,
		Provider:  n.provider,
		Model:     n.model,
		Messages:  n.Messages(in),
		Tools:     n.tools,
		MaxTurns:  n.maxTurns,
		Publisher: in.Publisher,
	})
	if err != nil {
		// Provider failures and loop overruns were published by the orchestrator.
		switch schema.CodeOf(err) {
		case schema.ErrCodeCancelled, schema.ErrCodeValidation, schema.ErrCodeInvalidTransition:
			return nil, err
		}
		return nil, reportedError{err}
	}
	return &schema.TextNodeResult{Value: res.Text}, nil
}
