package providers

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/agentgraph/pkg/schema"
)

// ScriptedTurn is one canned model turn.
type ScriptedTurn struct {
	// Chunks are streamed as content fragments. Text is used when Chunks is empty.
	Chunks    []string
	Text      string
	ToolCalls []schema.ToolCallRequest
	Usage     Usage
	// Err, when set, is emitted after the chunks instead of a turn end.
	Err *ProviderError
}

// ScriptedProvider replays canned turns in order. It is deterministic and is
// used for tests and dry runs.
type ScriptedProvider struct {
	name  string
	turns []ScriptedTurn
	// Repeat replays the last turn once the script is exhausted.
	Repeat bool

	mu       sync.Mutex
	next     int
	requests []Request
}

// NewScriptedProvider creates a provider named name that replays turns.
func NewScriptedProvider(name string, turns ...ScriptedTurn) *ScriptedProvider {
	return &ScriptedProvider{name: name, turns: turns}
}

// Name returns the provider ID.
func (p *ScriptedProvider) Name() string { return p.name }

// Requests returns a copy of every request received so far.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Stream replays the next scripted turn.
func (p *ScriptedProvider) Stream(ctx context.Context, req *Request) iter.Seq[Event] {
	turn, ok := p.take(req)
	return func(yield func(Event) bool) {
		model := req.Config.Model
		if !ok {
			yield(failure(&ProviderError{Provider: p.name, Model: model, Message: "script exhausted"}))
			return
		}
		if !yield(turnStart(model, "scripted-"+uuid.NewString())) {
			return
		}
		chunks := turn.Chunks
		if len(chunks) == 0 && turn.Text != "" {
			chunks = []string{turn.Text}
		}
		for _, c := range chunks {
			if ctx.Err() != nil {
				yield(failure(newProviderError(p.name, model, 0, ctx.Err())))
				return
			}
			if !yield(content(c)) {
				return
			}
		}
		if turn.Err != nil {
			yield(failure(turn.Err))
			return
		}
		for i, tc := range turn.ToolCalls {
			if !yield(toolFragment(i, tc.ID, tc.Name, string(tc.Arguments))) {
				return
			}
		}
		reason := "stop"
		if len(turn.ToolCalls) > 0 {
			reason = "tool_calls"
		}
		if !yield(turnEnd(reason)) {
			return
		}
		yield(usage(turn.Usage.InputTokens, turn.Usage.OutputTokens))
	}
}

func (p *ScriptedProvider) take(req *Request) (ScriptedTurn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, cloneRequest(req))
	if p.next < len(p.turns) {
		t := p.turns[p.next]
		p.next++
		return t, true
	}
	if p.Repeat && len(p.turns) > 0 {
		return p.turns[len(p.turns)-1], true
	}
	return ScriptedTurn{}, false
}

func cloneRequest(req *Request) Request {
	out := *req
	out.Messages = append([]schema.GenericChatMessage(nil), req.Messages...)
	out.Tools = append([]schema.ToolDefinition(nil), req.Tools...)
	return out
}

// EchoProvider answers every turn with the last user message. It never
// requests tools.
type EchoProvider struct {
	name string
}

// NewEchoProvider creates an echo provider registered under name.
func NewEchoProvider(name string) *EchoProvider {
	if name == "" {
		name = "echo"
	}
	return &EchoProvider{name: name}
}

// Name returns the provider ID.
func (p *EchoProvider) Name() string { return p.name }

// Stream echoes the most recent user message word by word.
func (p *EchoProvider) Stream(ctx context.Context, req *Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		var last string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == schema.RoleUser {
				last = req.Messages[i].Content
				break
			}
		}
		if !yield(turnStart(req.Config.Model, "echo-"+uuid.NewString())) {
			return
		}
		words := strings.SplitAfter(last, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if ctx.Err() != nil {
				yield(failure(newProviderError(p.name, req.Config.Model, 0, ctx.Err())))
				return
			}
			if !yield(content(w)) {
				return
			}
		}
		if !yield(turnEnd("stop")) {
			return
		}
		in, _ := json.Marshal(req.Messages)
		yield(usage(int64(len(in)/4), int64(len(words))))
	}
}
