package engine

import (
	"context"
	"encoding/json"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/internal/providers"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/internal/tools"
	"github.com/rendis/agentgraph/pkg/schema"
)

// --- helpers ---

func newTestExecutor(t *testing.T, cfg Config, ps ...providers.ChatProvider) *Executor {
	t.Helper()
	if cfg.Providers == nil {
		cfg.Providers = providers.NewRegistry(ps...)
	}
	if cfg.Tools == nil {
		reg, err := tools.Build(context.Background(), nil, tools.Config{}, tools.Builtins(func() time.Time {
			return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		})...)
		require.NoError(t, err)
		cfg.Tools = reg
	}
	e, err := NewExecutor(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func node(id string, typ schema.NodeType, config string, inputs ...string) schema.NodeDefinition {
	n := schema.NodeDefinition{ID: id, Type: typ, Inputs: inputs}
	if config != "" {
		n.Config = json.RawMessage(config)
	}
	return n
}

func modelConfig(provider string, extra string) string {
	cfg := `{"model":{"provider":"` + provider + `","model":"test-model"}`
	if extra != "" {
		cfg += "," + extra
	}
	return cfg + "}"
}

// numberGraph is Input -> Model -> Output.
func numberGraph(provider string) *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID:   "numbers",
		Name: "number words",
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("llm", schema.NodeTypeModel, modelConfig(provider, `"system_prompt":"Spell the number."`), "in"),
			node("out", schema.NodeTypeOutput, "", "llm"),
		},
	}
}

func run(t *testing.T, e *Executor, def *schema.GraphDefinition, input string) (*Execution, []schema.StreamItem) {
	t.Helper()
	x, err := e.Run(context.Background(), ExecutionRequest{Graph: def, Input: input})
	require.NoError(t, err)
	return x, x.Recorded()
}

func collect(t *testing.T, seq iter.Seq[schema.StreamItem]) []schema.StreamItem {
	t.Helper()
	var out []schema.StreamItem
	for it := range seq {
		out = append(out, it)
	}
	return out
}

func kinds(items []schema.StreamItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Kind()
	}
	return out
}

func nodeStarts(items []schema.StreamItem) []string {
	var out []string
	for _, it := range items {
		if ns, ok := it.(*schema.NodeStart); ok {
			out = append(out, ns.NodeID)
		}
	}
	return out
}

func nodeEnd(t *testing.T, items []schema.StreamItem, id string) *schema.NodeEnd {
	t.Helper()
	for _, it := range items {
		if ne, ok := it.(*schema.NodeEnd); ok && ne.NodeID == id {
			return ne
		}
	}
	t.Fatalf("no NodeEnd for %s", id)
	return nil
}

func exceptions(items []schema.StreamItem) []*schema.ExceptionResult {
	var out []*schema.ExceptionResult
	for _, it := range items {
		if ex, ok := it.(*schema.ExceptionResult); ok {
			out = append(out, ex)
		}
	}
	return out
}

// assertStreamInvariants checks the properties every execution stream holds.
func assertStreamInvariants(t *testing.T, executionID string, items []schema.StreamItem) {
	t.Helper()
	require.NotEmpty(t, items)
	assert.Equal(t, schema.KindRequestStart, items[0].Kind(), "first item")
	assert.Equal(t, schema.KindRequestEnd, items[len(items)-1].Kind(), "last item")

	open := map[string]bool{}
	ended := map[string]int{}
	calls := map[string]bool{}
	results := map[string]bool{}
	starts, requestEnds := 0, 0
	for i, it := range items {
		assert.Equal(t, executionID, it.Header().ExecutionID, "item %d execution id", i)
		switch v := it.(type) {
		case *schema.RequestStart:
			starts++
		case *schema.RequestEnd:
			requestEnds++
		case *schema.NodeStart:
			assert.False(t, open[v.NodeID], "node %s started twice", v.NodeID)
			open[v.NodeID] = true
		case *schema.NodeEnd:
			assert.True(t, open[v.NodeID], "NodeEnd %s without NodeStart", v.NodeID)
			ended[v.NodeID]++
		case *schema.ToolCall:
			calls[v.ToolCallID] = true
		case *schema.ToolResult:
			assert.True(t, calls[v.ToolCallID], "ToolResult %s before its ToolCall", v.ToolCallID)
			results[v.ToolCallID] = true
		}
	}
	assert.Equal(t, 1, starts, "RequestStart count")
	assert.Equal(t, 1, requestEnds, "RequestEnd count")
	for id := range open {
		assert.Equal(t, 1, ended[id], "NodeEnd count for %s", id)
	}
	for id := range calls {
		if !results[id] {
			assert.NotEmpty(t, exceptions(items), "ToolCall %s without result or exception", id)
		}
	}
}

func requestEnd(items []schema.StreamItem) *schema.RequestEnd {
	return items[len(items)-1].(*schema.RequestEnd)
}

// --- scenarios ---

func TestExecutor_NumberScenario(t *testing.T) {
	p := providers.NewScriptedProvider("scripted", providers.ScriptedTurn{
		Text:  "five",
		Usage: providers.Usage{InputTokens: 12, OutputTokens: 1},
	})
	e := newTestExecutor(t, Config{}, p)

	x, items := run(t, e, numberGraph("scripted"), "5")

	assert.Equal(t, []string{
		schema.KindRequestStart,
		schema.KindAgentStart,
		schema.KindNodeStart, schema.KindNodeEnd,
		schema.KindNodeStart,
		schema.KindChatStartFragment, schema.KindChatFragment, schema.KindChatEndFragment,
		schema.KindTokenUsage,
		schema.KindNodeEnd,
		schema.KindNodeStart, schema.KindNodeEnd,
		schema.KindAgentEnd,
		schema.KindRequestEnd,
	}, kinds(items))
	assertStreamInvariants(t, x.ID, items)

	assert.Equal(t, []string{"in", "llm", "out"}, nodeStarts(items))
	assert.Equal(t, "5", nodeEnd(t, items, "in").Result.Text())
	assert.Equal(t, "five", nodeEnd(t, items, "llm").Result.Text())
	assert.Equal(t, "five", nodeEnd(t, items, "out").Result.Text())
	assert.Equal(t, "five", items[6].(*schema.ChatFragment).Text)

	assert.Equal(t, schema.RequestStatusCompleted, x.Wait())
	assert.Equal(t, schema.RequestStatusCompleted, requestEnd(items).Status)
	assert.Equal(t, map[string]string{"out": "five"}, x.Outputs())

	start := items[0].(*schema.RequestStart)
	assert.Equal(t, "numbers", start.GraphID)
	assert.Equal(t, "5", start.Input)
	agent := items[1].(*schema.AgentStart)
	assert.Equal(t, "numbers", agent.NodeID)
	assert.Equal(t, "number words", agent.Name)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Spell the number.", reqs[0].SystemPrompt())
	assert.Equal(t, schema.RoleUser, reqs[0].Messages[len(reqs[0].Messages)-1].Role)
	assert.Equal(t, "5", reqs[0].Messages[len(reqs[0].Messages)-1].Content)
}

func TestExecutor_StartStreamsLive(t *testing.T) {
	e := newTestExecutor(t, Config{}, providers.NewEchoProvider("echo"))

	x, err := e.Start(context.Background(), ExecutionRequest{Graph: numberGraph("echo"), Input: "hello world"})
	require.NoError(t, err)

	items := collect(t, x.Items(context.Background()))
	assertStreamInvariants(t, x.ID, items)
	assert.Equal(t, schema.RequestStatusCompleted, x.Wait())
	assert.Equal(t, "hello world", nodeEnd(t, items, "out").Result.Text())
	assert.Equal(t, len(items), len(x.Recorded()))
}

func TestExecutor_IsomorphicReruns(t *testing.T) {
	runOnce := func() (string, []schema.StreamItem) {
		p := providers.NewScriptedProvider("scripted", providers.ScriptedTurn{
			Chunks: []string{"fi", "ve"},
			Usage:  providers.Usage{InputTokens: 12, OutputTokens: 1},
		})
		e := newTestExecutor(t, Config{}, p)
		x, items := run(t, e, numberGraph("scripted"), "5")
		return x.ID, items
	}

	id1, first := runOnce()
	id2, second := runOnce()

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, kinds(first), kinds(second))
	assert.Equal(t, nodeStarts(first), nodeStarts(second))
	assert.Equal(t, nodeEnd(t, first, "out").Result, nodeEnd(t, second, "out").Result)
}

func TestExecutor_ConditionalSelectsSecondCondition(t *testing.T) {
	def := &schema.GraphDefinition{
		ID: "branching",
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("branch", schema.NodeTypeConditional, `{
				"conditions": [
					{"expression": "input == \"x\"", "next": ["a"]},
					{"expression": "input == \"5\"", "next": ["b"]}
				],
				"default": ["c"]
			}`, "in"),
			node("a", schema.NodeTypeStringFormatter, `{"template":"A: ${{ input }}"}`, "branch"),
			node("b", schema.NodeTypeStringFormatter, `{"template":"B: ${{ input }}"}`, "branch"),
			node("c", schema.NodeTypeStringFormatter, `{"template":"C: ${{ input }}"}`, "branch"),
			node("out", schema.NodeTypeOutput, "", "a", "b", "c"),
		},
	}
	e := newTestExecutor(t, Config{})

	x, items := run(t, e, def, "5")
	assertStreamInvariants(t, x.ID, items)

	assert.Equal(t, []string{"in", "branch", "b", "out"}, nodeStarts(items))
	cond, ok := nodeEnd(t, items, "branch").Result.(*schema.ConditionalNodeResult)
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, cond.NextNodeIDs)
	assert.Equal(t, []string{"5"}, cond.Inputs)
	assert.Equal(t, "B: 5", nodeEnd(t, items, "out").Result.Text())

	statuses := map[string]schema.NodeStatus{}
	for _, n := range x.Nodes() {
		statuses[n.NodeID] = n.Status
	}
	assert.Equal(t, schema.NodeStatusSkipped, statuses["a"])
	assert.Equal(t, schema.NodeStatusCompleted, statuses["b"])
	assert.Equal(t, schema.NodeStatusSkipped, statuses["c"])
}

func TestExecutor_ConditionalDefaultBranch(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("branch", schema.NodeTypeConditional, `{
				"conditions": [{"expression": "json.n > 10.0", "language": "cel", "next": ["big"]}],
				"default": ["small"]
			}`, "in"),
			node("big", schema.NodeTypeStringFormatter, `{"template":"big"}`, "branch"),
			node("small", schema.NodeTypeStringFormatter, `{"template":"small ${{ json.n }}"}`, "branch"),
			node("out", schema.NodeTypeOutput, "", "big", "small"),
		},
	}
	e := newTestExecutor(t, Config{})

	x, items := run(t, e, def, `{"n": 3}`)
	assertStreamInvariants(t, x.ID, items)
	assert.Equal(t, []string{"in", "branch", "small", "out"}, nodeStarts(items))
	assert.Equal(t, "small 3", nodeEnd(t, items, "out").Result.Text())
}

func TestExecutor_FailedConditionalSkipsBranches(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("branch", schema.NodeTypeConditional, `{
				"conditions": [{"expression": ".input", "language": "jq", "next": ["a"]}],
				"default": ["b"]
			}`, "in"),
			node("a", schema.NodeTypeStringFormatter, `{"template":"a"}`, "branch"),
			node("b", schema.NodeTypeStringFormatter, `{"template":"b"}`, "branch"),
			node("out", schema.NodeTypeOutput, "", "a", "b"),
		},
	}
	e := newTestExecutor(t, Config{})

	x, items := run(t, e, def, "not a bool")
	assertStreamInvariants(t, x.ID, items)

	assert.Equal(t, []string{"in", "branch"}, nodeStarts(items))
	ex, ok := nodeEnd(t, items, "branch").Result.(*schema.ExceptionNodeResult)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExpression, ex.Code)

	reported := exceptions(items)
	require.Len(t, reported, 1)
	assert.Equal(t, "branch", reported[0].NodeID)

	assert.Equal(t, schema.RequestStatusCompleted, requestEnd(items).Status)
	assert.Empty(t, x.Outputs())
}

func TestExecutor_NodeErrorFlowsDownstream(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("fmt", schema.NodeTypeStringFormatter, `{"template":"${{ json.name }}"}`, "in"),
			node("out", schema.NodeTypeOutput, "", "fmt"),
		},
	}
	e := newTestExecutor(t, Config{})

	x, items := run(t, e, def, "plain text")
	assertStreamInvariants(t, x.ID, items)

	assert.Equal(t, []string{"in", "fmt", "out"}, nodeStarts(items))
	failed := nodeEnd(t, items, "fmt").Result
	require.Equal(t, schema.ResultTypeException, failed.ResultType())
	assert.Equal(t, failed.Text(), nodeEnd(t, items, "out").Result.Text())
	assert.Equal(t, schema.RequestStatusCompleted, requestEnd(items).Status)
}

func TestExecutor_Deadlock(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("a", schema.NodeTypeStringFormatter, `{"template":"a"}`, "in", "b"),
			node("b", schema.NodeTypeStringFormatter, `{"template":"b"}`, "a"),
			node("out", schema.NodeTypeOutput, "", "b"),
		},
	}
	e := newTestExecutor(t, Config{})

	res := e.Validate(def)
	assert.True(t, res.Valid())
	require.NotEmpty(t, res.Warnings)

	x, items := run(t, e, def, "5")
	assertStreamInvariants(t, x.ID, items)

	assert.Equal(t, []string{"in"}, nodeStarts(items))
	n := len(items)
	require.GreaterOrEqual(t, n, 3)
	ex, ok := items[n-3].(*schema.ExceptionResult)
	require.True(t, ok, "deadlock exception precedes AgentEnd")
	assert.Equal(t, schema.ErrCodeGraphDeadlock, ex.Code)
	assert.Contains(t, ex.Message, "a, b, out")
	assert.Equal(t, schema.KindAgentEnd, items[n-2].Kind())
	assert.Equal(t, schema.RequestStatusFailed, requestEnd(items).Status)
	assert.Equal(t, schema.RequestStatusFailed, x.Wait())
}

func TestExecutor_ToolLoopBound(t *testing.T) {
	p := providers.NewScriptedProvider("scripted", providers.ScriptedTurn{
		ToolCalls: []schema.ToolCallRequest{{ID: "loop", Name: "current_time", Arguments: json.RawMessage(`{}`)}},
	})
	p.Repeat = true
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("llm", schema.NodeTypeModel, modelConfig("scripted", `"tools":["current_time"],"max_turns":2`), "in"),
			node("out", schema.NodeTypeOutput, "", "llm"),
		},
	}
	e := newTestExecutor(t, Config{}, p)

	x, items := run(t, e, def, "what time is it")
	assertStreamInvariants(t, x.ID, items)

	assert.Len(t, p.Requests(), 2)
	reported := exceptions(items)
	require.Len(t, reported, 1, "the orchestrator reports the overrun once")
	assert.Equal(t, schema.ErrCodeToolLoopOverrun, reported[0].Code)
	assert.Equal(t, "llm", reported[0].NodeID)

	ex, ok := nodeEnd(t, items, "llm").Result.(*schema.ExceptionNodeResult)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeToolLoopOverrun, ex.Code)
	assert.Equal(t, []string{"in", "llm", "out"}, nodeStarts(items))
	assert.Equal(t, schema.RequestStatusCompleted, requestEnd(items).Status)
}

func TestExecutor_ToolRoundTrip(t *testing.T) {
	p := providers.NewScriptedProvider("scripted",
		providers.ScriptedTurn{ToolCalls: []schema.ToolCallRequest{{ID: "t1", Name: "current_time", Arguments: json.RawMessage(`{}`)}}},
		providers.ScriptedTurn{Text: "It is 03:04."},
	)
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("llm", schema.NodeTypeModel, modelConfig("scripted", `"tools":["current_time"],"tool_timeout":"5s"`), "in"),
			node("out", schema.NodeTypeOutput, "", "llm"),
		},
	}
	e := newTestExecutor(t, Config{}, p)

	x, items := run(t, e, def, "time?")
	assertStreamInvariants(t, x.ID, items)
	assert.Equal(t, "It is 03:04.", nodeEnd(t, items, "out").Result.Text())

	var call *schema.ToolCall
	var result *schema.ToolResult
	for _, it := range items {
		switch v := it.(type) {
		case *schema.ToolCall:
			call = v
		case *schema.ToolResult:
			result = v
		}
	}
	require.NotNil(t, call)
	require.NotNil(t, result)
	assert.Equal(t, call.ToolCallID, result.ToolCallID)
	assert.Equal(t, "llm", result.NodeID)
	assert.Contains(t, string(result.Result), "2026-01-02T03:04:05Z")
}

func TestExecutor_NodeToolTimeoutOverridesDefault(t *testing.T) {
	p := providers.NewScriptedProvider("scripted",
		providers.ScriptedTurn{ToolCalls: []schema.ToolCallRequest{{ID: "t1", Name: "delay", Arguments: json.RawMessage(`{"duration":"1s"}`)}}},
		providers.ScriptedTurn{Text: "gave up waiting"},
	)
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("llm", schema.NodeTypeModel, modelConfig("scripted", `"tools":["delay"],"tool_timeout":"50ms"`), "in"),
			node("out", schema.NodeTypeOutput, "", "llm"),
		},
	}
	e := newTestExecutor(t, Config{ToolTimeout: 30 * time.Second}, p)

	x, items := run(t, e, def, "wait")
	assertStreamInvariants(t, x.ID, items)
	assert.Equal(t, "gave up waiting", nodeEnd(t, items, "out").Result.Text())

	exs := exceptions(items)
	require.Len(t, exs, 1)
	assert.Equal(t, string(schema.ErrCodeToolTimeout), exs[0].Code)
	assert.Equal(t, "t1", exs[0].ToolCallID)
	assert.Equal(t, "llm", exs[0].NodeID)
}

// blockingProvider streams until the request context ends.
type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Stream(ctx context.Context, req *providers.Request) iter.Seq[providers.Event] {
	return func(yield func(providers.Event) bool) {
		if !yield(providers.Event{Kind: providers.EventTurnStart, Model: req.Config.Model, TurnID: "blocking"}) {
			return
		}
		close(p.started)
		<-ctx.Done()
		yield(providers.Event{Kind: providers.EventError, Err: &providers.ProviderError{
			Provider: "blocking", Model: req.Config.Model, Message: ctx.Err().Error(), Cause: ctx.Err(),
		}})
	}
}

func TestExecutor_Cancel(t *testing.T) {
	p := &blockingProvider{started: make(chan struct{})}
	e := newTestExecutor(t, Config{}, p)

	x, err := e.Start(context.Background(), ExecutionRequest{Graph: numberGraph("blocking"), Input: "5"})
	require.NoError(t, err)

	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("model node never started")
	}
	x.Cancel()

	items := collect(t, x.Items(context.Background()))
	assertStreamInvariants(t, x.ID, items)

	assert.Equal(t, []string{"in", "llm"}, nodeStarts(items))
	ex, ok := nodeEnd(t, items, "llm").Result.(*schema.ExceptionNodeResult)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCancelled, ex.Code)

	reported := exceptions(items)
	require.Len(t, reported, 1)
	assert.Equal(t, schema.ErrCodeCancelled, reported[0].Code)
	assert.Equal(t, schema.KindAgentEnd, items[len(items)-2].Kind())
	assert.Equal(t, schema.RequestStatusCancelled, requestEnd(items).Status)
	assert.Equal(t, schema.RequestStatusCancelled, x.Wait())
}

func TestExecutor_CancelledBeforeScheduling(t *testing.T) {
	e := newTestExecutor(t, Config{}, providers.NewEchoProvider("echo"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	x, err := e.Start(ctx, ExecutionRequest{Graph: numberGraph("echo"), Input: "5"})
	require.NoError(t, err)
	items := collect(t, x.Items(context.Background()))

	assert.Equal(t, []string{
		schema.KindRequestStart, schema.KindAgentStart, schema.KindExceptionResult,
		schema.KindAgentEnd, schema.KindRequestEnd,
	}, kinds(items))
	assert.Equal(t, schema.RequestStatusCancelled, x.Wait())
}

func TestExecutor_InvalidGraphIsRejected(t *testing.T) {
	e := newTestExecutor(t, Config{}, providers.NewEchoProvider("echo"))

	_, err := e.Start(context.Background(), ExecutionRequest{Graph: numberGraph("missing"), Input: "5"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Start(context.Background(), ExecutionRequest{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	res := e.Validate(numberGraph("missing"))
	require.False(t, res.Valid())
	assert.Equal(t, schema.ErrCodeNotFound, res.Errors[0].Code)
}

func TestExecutor_ProviderOverride(t *testing.T) {
	e := newTestExecutor(t, Config{ProviderOverride: providers.NewEchoProvider("echo")})

	x, items := run(t, e, numberGraph("openai"), "dry run")
	assertStreamInvariants(t, x.ID, items)
	assert.Equal(t, "dry run", nodeEnd(t, items, "out").Result.Text())
}

func TestExecutor_EdgesAndInputDefaults(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, `{"default":"fallback"}`),
			node("greet", schema.NodeTypeStringFormatter, `{"template":"hi ${{ inputs.in }} (${{ execution.graph_id }})"}`),
			node("out", schema.NodeTypeOutput, `{"separator":" | "}`),
		},
		Edges: []schema.EdgeDefinition{{From: "in", To: "greet"}, {From: "greet", To: "out"}, {From: "in", To: "out"}},
	}
	e := newTestExecutor(t, Config{})

	x, items := run(t, e, def, "")
	assertStreamInvariants(t, x.ID, items)
	assert.Equal(t, "hi fallback ("+x.ID+") | fallback", nodeEnd(t, items, "out").Result.Text())
	assert.Empty(t, def.Nodes[1].Inputs, "the caller's definition is not mutated")
}

func TestExecutor_ParallelBranches(t *testing.T) {
	def := &schema.GraphDefinition{
		Nodes: []schema.NodeDefinition{
			node("in", schema.NodeTypeInput, ""),
			node("upper", schema.NodeTypeStringFormatter, `{"template":"1:${{ input }}"}`, "in"),
			node("lower", schema.NodeTypeStringFormatter, `{"template":"2:${{ input }}"}`, "in"),
			node("out", schema.NodeTypeOutput, "", "upper", "lower"),
		},
	}
	e := newTestExecutor(t, Config{PoolSize: 4})

	x, items := run(t, e, def, "x")
	assertStreamInvariants(t, x.ID, items)
	assert.Equal(t, "1:x\n2:x", nodeEnd(t, items, "out").Result.Text(), "inputs keep declaration order")
}

func TestExecutor_PersistsExecution(t *testing.T) {
	repo := store.NewMemoryRepository()
	p := providers.NewScriptedProvider("scripted", providers.ScriptedTurn{
		Text:  "five",
		Usage: providers.Usage{InputTokens: 12, OutputTokens: 1},
	})
	e := newTestExecutor(t, Config{Repository: repo}, p)

	x, items := run(t, e, numberGraph("scripted"), "5")

	rec, err := repo.GetExecution(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Equal(t, "numbers", rec.GraphID)
	assert.Equal(t, "number words", rec.GraphName)
	assert.Equal(t, schema.RequestStatusCompleted, rec.Status)
	assert.Equal(t, int64(12), rec.InputTokens)
	assert.Equal(t, int64(1), rec.OutputTokens)
	require.Len(t, rec.Nodes, 3)
	assert.Equal(t, "five", rec.Nodes[2].Result.Text())
	assert.NotEmpty(t, rec.Definition)

	stored, err := repo.ListItems(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Equal(t, kinds(items), kinds(stored))
}

func TestExecutor_ObserversSeeEveryItem(t *testing.T) {
	hub := streaming.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.Filter{})
	require.NoError(t, err)
	defer unsubscribe()

	e := newTestExecutor(t, Config{Observers: []streaming.Publisher{hub}}, providers.NewEchoProvider("echo"))
	_, items := run(t, e, numberGraph("echo"), "5")

	for i := range items {
		select {
		case got := <-ch:
			assert.Equal(t, items[i].Kind(), got.Kind())
		case <-time.After(time.Second):
			t.Fatalf("observer missed item %d", i)
		}
	}
}
