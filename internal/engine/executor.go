package engine

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/agentgraph/internal/chat"
	"github.com/rendis/agentgraph/internal/expressions"
	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/internal/providers"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/tools"
	"github.com/rendis/agentgraph/internal/validation"
	"github.com/rendis/agentgraph/pkg/schema"
)

// DefaultPoolSize is the default number of nodes running at once across
// all executions of one Executor.
const DefaultPoolSize = 10

// persistTimeout bounds the repository write at the end of an execution.
const persistTimeout = 10 * time.Second

// Config holds the executor's collaborators and defaults.
type Config struct {
	PoolSize    int
	MaxTurns    int           // per Model node unless its config sets max_turns
	ToolTimeout time.Duration // per tool call unless the node sets tool_timeout
	Providers   *providers.Registry
	Tools       *tools.Registry
	Repository  store.Repository // optional; finished executions are saved here
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Now         func() time.Time

	// Observers receive a copy of every item of every execution.
	Observers []streaming.Publisher

	// ProviderOverride replaces every Model node's provider, e.g. for dry runs.
	ProviderOverride providers.ChatProvider
}

// ExecutionRequest is one graph run.
type ExecutionRequest struct {
	ExecutionID string // generated when empty
	Graph       *schema.GraphDefinition
	Input       string
}

// Executor validates agent graphs and runs them. It is safe for concurrent
// use; each Start builds a fresh graph and bus.
type Executor struct {
	cfg          Config
	pool         *WorkerPool
	orchestrator *chat.Orchestrator
	evaluator    *expressions.Evaluator
	validator    *validation.GraphValidator
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/agentgraph/internal/engine")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry(tools.Config{})
	}

	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}

	lookups := validation.Lookups{Tools: cfg.Tools, Expressions: evaluator}
	if cfg.Providers != nil && cfg.ProviderOverride == nil {
		lookups.Providers = cfg.Providers
	}
	validator, err := validation.NewGraphValidator(lookups)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	pool := NewWorkerPool(cfg.PoolSize, func(task string, value any, stack []byte) {
		logger.Error("node task panicked outside dispatch",
			slog.String("node_id", task), slog.Any("panic", value), slog.String("stack", string(stack)))
	})

	return &Executor{
		cfg:  cfg,
		pool: pool,
		orchestrator: chat.NewOrchestrator(cfg.Tools, chat.Config{
			MaxTurns:    cfg.MaxTurns,
			ToolTimeout: cfg.ToolTimeout,
			Metrics:     cfg.Metrics,
			Logger:      cfg.Logger,
			Tracer:      cfg.Tracer,
		}),
		evaluator: evaluator,
		validator: validator,
	}, nil
}

// Close stops accepting executions and waits for running nodes.
func (e *Executor) Close() {
	e.pool.Shutdown()
}

// Orchestrator returns the chat orchestrator Model nodes run through.
func (e *Executor) Orchestrator() *chat.Orchestrator { return e.orchestrator }

// Validate normalizes a copy of def and reports every issue found.
func (e *Executor) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		return e.validator.Validate(nil)
	}
	cp := cloneDefinition(def)
	if err := cp.Normalize(); err != nil {
		r := &schema.ValidationResult{}
		r.AddError("edges", schema.CodeOf(err), err.Error())
		return r
	}
	return e.validator.Validate(cp)
}

// Start validates the request's graph, builds it and runs it in the
// background. An invalid graph is returned as an error and no stream is
// created. ctx bounds the whole execution.
func (e *Executor) Start(ctx context.Context, req ExecutionRequest) (*Execution, error) {
	if req.Graph == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution request has no graph")
	}
	def := cloneDefinition(req.Graph)
	if err := def.Normalize(); err != nil {
		return nil, err
	}
	if err := e.validator.Validate(def).ToError(); err != nil {
		return nil, err
	}

	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}
	factory := &nodeFactory{
		providers:    e.cfg.Providers,
		tools:        e.cfg.Tools,
		orchestrator: e.orchestrator,
		evaluator:    e.evaluator,
		override:     e.cfg.ProviderOverride,
	}
	for _, id := range g.Order {
		n := g.Nodes[id]
		if n.behavior, err = factory.build(n.Def); err != nil {
			return nil, err
		}
	}

	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	if g.ID == "" {
		g.ID = id
	}

	bus := streaming.NewBus(id)
	runCtx, cancel := context.WithCancel(ctx)
	x := &Execution{
		ID:       id,
		GraphID:  g.ID,
		exec:     e,
		def:      def,
		graph:    g,
		input:    req.Input,
		bus:      bus,
		recorder: streaming.NewRecorder(bus, e.cfg.Observers...),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go x.run(runCtx)
	return x, nil
}

// Run starts an execution and drains its stream, returning once the stream
// has closed. Recorded returns the drained items.
func (e *Executor) Run(ctx context.Context, req ExecutionRequest) (*Execution, error) {
	x, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	for range x.Items(context.WithoutCancel(ctx)) {
	}
	x.Wait()
	return x, nil
}

// Execution is one running graph. Its stream must be drained by a single
// consumer through Items or Next.
type Execution struct {
	ID      string
	GraphID string

	exec     *Executor
	def      *schema.GraphDefinition
	graph    *Graph
	input    string
	bus      *streaming.Bus
	recorder *streaming.Recorder
	cancel   context.CancelFunc
	done     chan struct{}

	// mu is the scheduling lock guarding node status and results.
	mu sync.Mutex

	status    string
	startedAt time.Time
	endedAt   time.Time
}

// Items returns the execution's ordered stream. It ends after RequestEnd.
func (x *Execution) Items(ctx context.Context) iter.Seq[schema.StreamItem] {
	return x.bus.Items(ctx)
}

// Next returns the next stream item, io.EOF once the stream has ended.
func (x *Execution) Next(ctx context.Context) (schema.StreamItem, error) {
	return x.bus.Next(ctx)
}

// Cancel stops scheduling new nodes and cancels running ones. The stream
// still terminates with AgentEnd and RequestEnd.
func (x *Execution) Cancel() { x.cancel() }

// Done is closed once RequestEnd has been published and the bus closed.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Wait blocks until the execution finishes and returns the RequestEnd status.
func (x *Execution) Wait() string {
	<-x.done
	return x.status
}

// Recorded returns every item published so far, in stream order.
func (x *Execution) Recorded() []schema.StreamItem {
	return x.recorder.Items()
}

// Outputs returns the text of each completed Output node, keyed by node ID.
func (x *Execution) Outputs() map[string]string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]string)
	for _, id := range x.graph.Order {
		n := x.graph.Nodes[id]
		if n.Type() == schema.NodeTypeOutput && n.status == schema.NodeStatusCompleted && n.result != nil {
			out[id] = n.result.Text()
		}
	}
	return out
}

// Nodes returns the state of every node in definition order.
func (x *Execution) Nodes() []store.NodeRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]store.NodeRecord, 0, len(x.graph.Order))
	for _, id := range x.graph.Order {
		n := x.graph.Nodes[id]
		out = append(out, store.NodeRecord{
			NodeID:     id,
			NodeType:   n.Type(),
			Status:     n.status,
			Result:     n.result,
			DurationMs: n.duration.Milliseconds(),
		})
	}
	return out
}

func (x *Execution) logger(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, x.exec.cfg.Logger)
}

func (x *Execution) publish(ctx context.Context, item schema.StreamItem) {
	if err := x.recorder.Publish(item); err != nil {
		x.logger(ctx).Debug("stream item dropped", slog.String("kind", item.Kind()), slog.String("error", err.Error()))
	}
}

func (x *Execution) run(ctx context.Context) {
	defer close(x.done)
	defer x.cancel()

	cfg := x.exec.cfg
	ctx = logging.WithExecutionID(ctx, x.ID)
	ctx, span := cfg.Tracer.Start(ctx, "graph.execute", trace.WithAttributes(
		attribute.String("execution_id", x.ID),
		attribute.String("graph_id", x.GraphID),
		attribute.Int("nodes", len(x.graph.Order)),
	))
	defer span.End()

	cfg.Metrics.ExecutionStarted()
	x.startedAt = cfg.Now()
	x.logger(ctx).Info("execution started", slog.String("graph_id", x.GraphID), slog.Int("nodes", len(x.graph.Order)))

	x.publish(ctx, &schema.RequestStart{GraphID: x.GraphID, Input: x.input})
	agent := &schema.AgentStart{NodeID: x.GraphID, Name: x.graph.Name, StartTime: x.startedAt}
	x.publish(ctx, agent)

	status, failure := x.schedule(ctx)
	if failure != nil {
		x.publish(ctx, schema.ExceptionItem(failure))
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
	}

	x.endedAt = cfg.Now()
	x.publish(ctx, agent.End(x.endedAt))
	x.publish(ctx, &schema.RequestEnd{Status: status, DurationMs: x.endedAt.Sub(x.startedAt).Milliseconds()})
	x.status = status

	x.persist(ctx)
	x.bus.Close()

	cfg.Metrics.ExecutionFinished(status)
	span.SetAttributes(attribute.String("status", status))
	x.logger(ctx).Info("execution finished",
		slog.String("status", status),
		slog.Int64("duration_ms", x.endedAt.Sub(x.startedAt).Milliseconds()))
}

// schedule runs ready nodes until every node is terminal, the graph
// deadlocks or ctx ends. It returns the RequestEnd status and, for a failed
// or cancelled run, the error to report.
func (x *Execution) schedule(ctx context.Context) (string, error) {
	g := x.graph
	completions := make(chan *Node, len(g.Nodes))
	running := 0

	for {
		x.mu.Lock()
		skipped, err := g.propagateSkips()
		var claimed []*Node
		var inputs []*NodeInput
		if err == nil && ctx.Err() == nil {
			for _, n := range g.ready() {
				if err = transition(n, schema.NodeStatusInProgress); err != nil {
					break
				}
				claimed = append(claimed, n)
				inputs = append(inputs, x.nodeInput(n))
			}
		}
		x.mu.Unlock()

		if len(skipped) > 0 {
			x.logger(ctx).Debug("nodes skipped", slog.Any("node_ids", skipped))
		}
		if err != nil {
			x.drain(completions, running)
			return schema.RequestStatusFailed, err
		}

		var submitErr error
		for i, n := range claimed {
			in := inputs[i]
			submitErr = x.exec.pool.Submit(ctx, n.ID(), func(ctx context.Context) {
				x.runNode(ctx, n, in, completions)
			})
			if submitErr != nil {
				x.mu.Lock()
				for _, rest := range claimed[i:] {
					release(rest)
				}
				x.mu.Unlock()
				break
			}
			running++
		}

		if running == 0 {
			x.mu.Lock()
			pending := g.pending()
			x.mu.Unlock()
			switch {
			case len(pending) == 0:
				return schema.RequestStatusCompleted, nil
			case ctx.Err() != nil:
				return schema.RequestStatusCancelled, cancelled(ctx)
			case submitErr != nil:
				return schema.RequestStatusFailed, schema.NewErrorf(schema.ErrCodeExecution, "schedule nodes: %s", submitErr.Error()).WithCause(submitErr)
			default:
				return schema.RequestStatusFailed, schema.NewErrorf(schema.ErrCodeGraphDeadlock,
					"no node can run while %d remain pending: %s", len(pending), strings.Join(pending, ", ")).
					WithDetails(map[string]any{"pending": pending})
			}
		}

		select {
		case <-completions:
			running--
		case <-ctx.Done():
			x.drain(completions, running)
			x.mu.Lock()
			pending := g.pending()
			x.mu.Unlock()
			if len(pending) == 0 {
				return schema.RequestStatusCompleted, nil
			}
			return schema.RequestStatusCancelled, cancelled(ctx)
		}
	}
}

// drain waits for in-flight node tasks, which still publish their NodeEnd.
func (x *Execution) drain(completions <-chan *Node, running int) {
	for ; running > 0; running-- {
		<-completions
	}
}

func cancelled(ctx context.Context) error {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(context.Cause(ctx))
}

// nodeInput snapshots n's upstream results. The caller holds x.mu.
func (x *Execution) nodeInput(n *Node) *NodeInput {
	return &NodeInput{
		ExecutionID: x.ID,
		GraphID:     x.GraphID,
		Input:       x.input,
		Upstream:    x.graph.upstream(n),
		Publisher:   x.recorder,
	}
}

// runNode executes one claimed node on a pool goroutine. NodeEnd is
// published before the node is marked Completed so no downstream NodeStart
// can precede it.
func (x *Execution) runNode(ctx context.Context, n *Node, in *NodeInput, completions chan<- *Node) {
	defer func() { completions <- n }()

	cfg := x.exec.cfg
	ctx = logging.WithNodeID(ctx, n.ID())
	ctx, span := cfg.Tracer.Start(ctx, "graph.node", trace.WithAttributes(
		attribute.String("node_id", n.ID()),
		attribute.String("node_type", string(n.Type())),
	))
	defer span.End()

	start := cfg.Now()
	ns := &schema.NodeStart{NodeID: n.ID(), Name: n.Name(), NodeType: n.Type(), StartTime: start}
	x.publish(ctx, ns)

	result, err := x.dispatch(ctx, n, in)
	if err != nil {
		if !alreadyReported(err) && !schema.IsCode(err, schema.ErrCodeCancelled) {
			item := schema.ExceptionItem(err)
			item.NodeID = n.ID()
			x.publish(ctx, item)
		}
		result = schema.ExceptionFromError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger(ctx).Warn("node failed", slog.String("node_type", string(n.Type())), slog.String("error", err.Error()))
	}

	end := cfg.Now()
	x.publish(ctx, ns.End(result, end))

	x.mu.Lock()
	n.result = result
	n.duration = end.Sub(start)
	terr := transition(n, schema.NodeStatusCompleted)
	x.mu.Unlock()
	if terr != nil {
		x.logger(ctx).Error("node state", slog.String("error", terr.Error()))
	}

	cfg.Metrics.NodeFinished(string(n.Type()), result.ResultType(), end.Sub(start))
	span.SetAttributes(attribute.String("result_type", result.ResultType()))
}

// dispatch runs the node's behavior. A panic becomes an EXECUTION_ERROR.
func (x *Execution) dispatch(ctx context.Context, n *Node, in *NodeInput) (result schema.AgentNodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			x.logger(ctx).Error("node panicked", slog.Any("panic", r))
			result = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "node panicked: %v", r).WithNode(n.ID())
		}
	}()
	result, err = n.behavior.Execute(ctx, in)
	if err == nil && result == nil {
		result = &schema.TextNodeResult{}
	}
	return result, err
}

// persist saves the finished execution when a repository is configured.
// Failures are logged; they never alter the stream.
func (x *Execution) persist(ctx context.Context) {
	repo := x.exec.cfg.Repository
	if repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	definition, err := json.Marshal(x.def)
	if err != nil {
		x.logger(ctx).Warn("encode definition", slog.String("error", err.Error()))
	}
	items := x.recorder.Items()
	var in, out int64
	for _, item := range items {
		if u, ok := item.(*schema.TokenUsage); ok {
			in += u.InputTokens
			out += u.OutputTokens
		}
	}
	completed := x.endedAt.UTC()
	rec := &store.ExecutionRecord{
		ID:           x.ID,
		GraphID:      x.GraphID,
		GraphName:    x.graph.Name,
		Input:        x.input,
		Status:       x.status,
		Definition:   definition,
		InputTokens:  in,
		OutputTokens: out,
		StartedAt:    x.startedAt.UTC(),
		CompletedAt:  &completed,
		DurationMs:   x.endedAt.Sub(x.startedAt).Milliseconds(),
		Nodes:        x.Nodes(),
		Items:        items,
	}
	if err := repo.SaveExecution(ctx, rec); err != nil {
		x.logger(ctx).Warn("persist execution", slog.String("error", err.Error()))
	}
}

// cloneDefinition copies def deeply enough that Normalize and execution
// never mutate the caller's value.
func cloneDefinition(def *schema.GraphDefinition) *schema.GraphDefinition {
	cp := *def
	cp.Nodes = make([]schema.NodeDefinition, len(def.Nodes))
	for i, n := range def.Nodes {
		n.Inputs = append([]string(nil), n.Inputs...)
		if n.Config != nil {
			n.Config = append(json.RawMessage(nil), n.Config...)
		}
		cp.Nodes[i] = n
	}
	cp.Edges = append([]schema.EdgeDefinition(nil), def.Edges...)
	return &cp
}
