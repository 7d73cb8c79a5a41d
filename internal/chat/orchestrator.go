package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/internal/providers"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/tools"
	"github.com/rendis/agentgraph/pkg/schema"
)

// DefaultMaxTurns bounds provider turns per exchange when neither the
// request nor the config sets a limit.
const DefaultMaxTurns = 10

// Config holds orchestrator-wide defaults.
type Config struct {
	MaxTurns    int
	ToolTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Request is one conversational exchange for a Model node.
type Request struct {
	NodeID    string
	Provider  providers.ChatProvider
	Model     schema.ActionModelConfiguration
	Messages  []schema.GenericChatMessage
	Tools     []*tools.Handler
	MaxTurns  int
	Publisher streaming.Publisher
}

// Result is the outcome of a completed exchange.
type Result struct {
	Text     string
	Messages []schema.GenericChatMessage
	Turns    int
	Usage    providers.Usage
}

// Orchestrator drives provider turns and tool invocations for one exchange
// at a time per Run call. It holds no per-exchange state and is safe for
// concurrent use.
type Orchestrator struct {
	registry *tools.Registry
	cfg      Config
}

// NewOrchestrator creates an Orchestrator that invokes tools through registry.
func NewOrchestrator(registry *tools.Registry, cfg Config) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/agentgraph/internal/chat")
	}
	return &Orchestrator{registry: registry, cfg: cfg}
}

// Run executes the exchange, publishing every turn's items to req.Publisher.
// Provider failures and tool-loop overruns are published as ExceptionResult
// and returned. Cancellation is returned as a CANCELLED error without an
// ExceptionResult; the caller owns that item.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Provider == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chat request has no provider").WithNode(req.NodeID)
	}
	if req.Publisher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chat request has no publisher").WithNode(req.NodeID)
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = o.cfg.MaxTurns
	}

	x := &exchange{
		o:        o,
		req:      req,
		messages: append([]schema.GenericChatMessage(nil), req.Messages...),
		handlers: make(map[string]*tools.Handler, len(req.Tools)),
	}
	for _, h := range req.Tools {
		x.handlers[h.Name()] = h.WithDefaultTimeout(o.cfg.ToolTimeout)
		x.defs = append(x.defs, h.Definition())
	}

	for turn := 1; ; turn++ {
		if err := x.checkCancelled(ctx); err != nil {
			return nil, err
		}
		text, calls, err := x.turn(ctx, turn)
		if err != nil {
			return nil, err
		}
		x.messages = append(x.messages, schema.GenericChatMessage{
			Role:      schema.RoleAssistant,
			Content:   text,
			ToolCalls: replayable(calls),
		})

		if len(calls) == 0 {
			if err := x.fsm.to(StateDone); err != nil {
				return nil, err
			}
			return &Result{Text: text, Messages: x.messages, Turns: turn, Usage: x.usage}, nil
		}
		if turn >= maxTurns {
			_ = x.fsm.to(StateDone)
			err := schema.NewErrorf(schema.ErrCodeToolLoopOverrun,
				"model requested tools after %d turns; limit is %d", turn, maxTurns).
				WithNode(req.NodeID).
				WithDetails(map[string]any{"max_turns": maxTurns})
			x.exception(err, "")
			return nil, err
		}

		if err := x.fsm.to(StateToolPhase); err != nil {
			return nil, err
		}
		x.messages = append(x.messages, x.runTools(ctx, x.chatID, calls)...)
		if err := x.checkCancelled(ctx); err != nil {
			return nil, err
		}
		if err := x.fsm.to(StateAwaitingModel); err != nil {
			return nil, err
		}
	}
}

// Chat runs a standalone exchange framed by RequestStart and RequestEnd on
// bus, then closes bus.
func (o *Orchestrator) Chat(ctx context.Context, bus *streaming.Bus, req Request) (*Result, error) {
	defer bus.Close()
	start := time.Now()
	ctx = logging.WithExecutionID(ctx, bus.ExecutionID())

	var input string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == schema.RoleUser {
			input = req.Messages[i].Content
			break
		}
	}
	_ = bus.Publish(&schema.RequestStart{Input: input})

	req.Publisher = bus
	res, err := o.Run(ctx, req)

	status := schema.RequestStatusCompleted
	switch {
	case schema.IsCode(err, schema.ErrCodeCancelled):
		status = schema.RequestStatusCancelled
		_ = bus.Publish(schema.ExceptionItem(err))
	case err != nil:
		status = schema.RequestStatusFailed
		if schema.IsCode(err, schema.ErrCodeValidation) {
			_ = bus.Publish(schema.ExceptionItem(err))
		}
	}
	_ = bus.Publish(&schema.RequestEnd{Status: status, DurationMs: time.Since(start).Milliseconds()})
	return res, err
}

// exchange is the per-Run state.
type exchange struct {
	o        *Orchestrator
	req      Request
	fsm      machine
	messages []schema.GenericChatMessage
	handlers map[string]*tools.Handler
	defs     []schema.ToolDefinition
	usage    providers.Usage
	chatID   string
}

func (x *exchange) logger(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, x.o.cfg.Logger)
}

func (x *exchange) publish(ctx context.Context, item schema.StreamItem) {
	if err := x.req.Publisher.Publish(item); err != nil {
		x.logger(ctx).Debug("stream item dropped", slog.String("kind", item.Kind()), slog.String("error", err.Error()))
	}
}

func (x *exchange) exception(err error, toolCallID string) {
	item := schema.ExceptionItem(err)
	item.NodeID = x.req.NodeID
	item.ToolCallID = toolCallID
	x.publish(context.Background(), item)
}

func (x *exchange) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "chat cancelled").WithNode(x.req.NodeID).WithCause(err)
	}
	return nil
}

// turn runs one provider stream and returns the turn's text and the
// accumulated tool calls.
func (x *exchange) turn(ctx context.Context, n int) (string, []schema.ToolCallRequest, error) {
	provider := x.req.Provider.Name()
	model := x.req.Model.Model
	x.chatID = uuid.NewString()
	ctx = logging.WithChatID(ctx, x.chatID)

	ctx, span := x.o.cfg.Tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int("turn", n),
	))
	defer span.End()

	if err := x.fsm.to(StateStreamingResponse); err != nil {
		return "", nil, err
	}

	// ChatStartFragment waits for the provider's turn start so it can carry
	// the served model and the provider turn ID.
	opened := false
	open := func(turnID, served string) {
		if opened {
			return
		}
		opened = true
		if served == "" {
			served = model
		}
		x.publish(ctx, &schema.ChatStartFragment{
			ChatID:         x.chatID,
			NodeID:         x.req.NodeID,
			Model:          served,
			Provider:       provider,
			ProviderTurnID: turnID,
		})
	}
	meta := map[string]any{"provider": provider, "turn": n}

	live := x.req.Model.Streaming()
	var (
		text   strings.Builder
		calls  callAccumulator
		finish string
		usage  *providers.Usage
		perr   *providers.ProviderError
	)
	start := time.Now()
	for ev := range x.req.Provider.Stream(ctx, &providers.Request{Messages: x.messages, Config: x.req.Model, Tools: x.defs}) {
		if ev.Kind == providers.EventTurnStart {
			open(ev.TurnID, ev.Model)
			continue
		}
		open("", "")
		switch ev.Kind {
		case providers.EventContent:
			text.WriteString(ev.Text)
			if live && ev.Text != "" {
				x.publish(ctx, &schema.ChatFragment{ChatID: x.chatID, NodeID: x.req.NodeID, Text: ev.Text, Metadata: meta})
			}
		case providers.EventToolCall:
			calls.add(ev.ToolCall)
		case providers.EventTurnEnd:
			finish = ev.FinishReason
		case providers.EventUsage:
			usage = ev.Usage
		case providers.EventError:
			perr = ev.Err
		}
	}
	elapsed := time.Since(start)
	open("", "")

	if !live && text.Len() > 0 {
		x.publish(ctx, &schema.ChatFragment{ChatID: x.chatID, NodeID: x.req.NodeID, Text: text.String(), Metadata: meta})
	}

	if perr != nil {
		x.o.cfg.Metrics.ProviderTurn(provider, model, perr, elapsed)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Message)
		if ctx.Err() != nil {
			x.publish(ctx, &schema.ChatEndFragment{ChatID: x.chatID, NodeID: x.req.NodeID, FinishReason: "cancelled"})
			return "", nil, x.checkCancelled(ctx)
		}
		err := perr.AgentError().WithNode(x.req.NodeID)
		x.logger(ctx).Warn("provider turn failed", slog.String("provider", provider), slog.String("error", perr.Error()))
		x.exception(err, "")
		x.publish(ctx, &schema.ChatEndFragment{ChatID: x.chatID, NodeID: x.req.NodeID, FinishReason: "error"})
		return "", nil, err
	}

	x.o.cfg.Metrics.ProviderTurn(provider, model, nil, elapsed)
	x.publish(ctx, &schema.ChatEndFragment{ChatID: x.chatID, NodeID: x.req.NodeID, FinishReason: finish})
	if usage != nil {
		x.usage.InputTokens += usage.InputTokens
		x.usage.OutputTokens += usage.OutputTokens
		x.o.cfg.Metrics.TokensUsed(provider, model, usage.InputTokens, usage.OutputTokens)
		x.publish(ctx, &schema.TokenUsage{
			ChatID:       x.chatID,
			NodeID:       x.req.NodeID,
			Model:        model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		})
	}
	span.SetAttributes(attribute.Int("tool_calls", calls.len()))
	return text.String(), calls.requests(), nil
}

// runTools invokes every call of one turn concurrently and returns the tool
// messages in call order.
func (x *exchange) runTools(ctx context.Context, chatID string, calls []schema.ToolCallRequest) []schema.GenericChatMessage {
	out := make([]schema.GenericChatMessage, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = x.runTool(ctx, chatID, call)
		}()
	}
	wg.Wait()
	return out
}

func (x *exchange) runTool(ctx context.Context, chatID string, call schema.ToolCallRequest) schema.GenericChatMessage {
	msg := schema.GenericChatMessage{Role: schema.RoleTool, ToolCallID: call.ID, Name: call.Name}
	if err := x.checkCancelled(ctx); err != nil {
		msg.Content = err.Error()
		msg.IsError = true
		return msg
	}

	params := call.Arguments
	if !json.Valid(params) {
		params, _ = json.Marshal(string(call.Arguments))
	}
	x.publish(ctx, &schema.ToolCall{
		ToolCallID:      call.ID,
		NodeID:          x.req.NodeID,
		ChatID:          chatID,
		ToolName:        call.Name,
		Index:           call.Index,
		QueryParameters: params,
	})

	start := time.Now()
	result, err := x.invoke(ctx, call)
	if err != nil {
		x.logger(ctx).Info("tool call failed",
			slog.String("tool", call.Name),
			slog.String("tool_call_id", call.ID),
			slog.String("error", err.Error()))
		x.exception(err, call.ID)
		msg.Content = err.Error()
		msg.IsError = true
		return msg
	}
	x.publish(ctx, &schema.ToolResult{
		ToolCallID: call.ID,
		NodeID:     x.req.NodeID,
		ToolName:   call.Name,
		Result:     result,
		DurationMs: time.Since(start).Milliseconds(),
	})
	msg.Content = string(result)
	return msg
}

func (x *exchange) invoke(ctx context.Context, call schema.ToolCallRequest) (json.RawMessage, error) {
	h, ok := x.handlers[call.Name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q is not offered to this node", call.Name).
			WithNode(x.req.NodeID)
	}
	if x.o.registry == nil {
		return nil, schema.NewError(schema.ErrCodeToolNotFound, "no tool registry configured").WithNode(x.req.NodeID)
	}
	return x.o.registry.Invoke(ctx, h, call.Arguments)
}

// replayable returns calls with malformed argument JSON replaced by an empty
// object so the transcript can be re-encoded for the next vendor request.
func replayable(calls []schema.ToolCallRequest) []schema.ToolCallRequest {
	out := make([]schema.ToolCallRequest, len(calls))
	for i, c := range calls {
		if !json.Valid(c.Arguments) {
			c.Arguments = json.RawMessage("{}")
		}
		out[i] = c
	}
	return out
}

// callAccumulator merges tool-call fragments by index.
type callAccumulator struct {
	calls map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *callAccumulator) add(f *providers.ToolCallFragment) {
	if f == nil {
		return
	}
	if a.calls == nil {
		a.calls = make(map[int]*pendingCall)
	}
	c, ok := a.calls[f.Index]
	if !ok {
		c = &pendingCall{}
		a.calls[f.Index] = c
	}
	if f.ID != "" {
		c.id = f.ID
	}
	if f.Name != "" {
		c.name = f.Name
	}
	c.args.WriteString(f.Arguments)
}

func (a *callAccumulator) len() int { return len(a.calls) }

func (a *callAccumulator) requests() []schema.ToolCallRequest {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]schema.ToolCallRequest, 0, len(indexes))
	for _, i := range indexes {
		c := a.calls[i]
		id := c.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		args := strings.TrimSpace(c.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, schema.ToolCallRequest{ID: id, Index: i, Name: c.name, Arguments: json.RawMessage(args)})
	}
	return out
}
