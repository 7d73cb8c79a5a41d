// Package providers adapts vendor chat-completion streams to one
// vendor-neutral event sequence.
package providers

import (
	"context"
	"iter"

	"github.com/rendis/agentgraph/pkg/schema"
)

// EventKind enumerates vendor-neutral chat stream events.
type EventKind int

const (
	EventTurnStart EventKind = iota
	EventContent
	EventToolCall
	EventTurnEnd
	EventUsage
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTurnStart:
		return "turn_start"
	case EventContent:
		return "content"
	case EventToolCall:
		return "tool_call"
	case EventTurnEnd:
		return "turn_end"
	case EventUsage:
		return "usage"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of a provider stream. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	// TurnStart
	Model  string
	TurnID string

	// Content
	Text string

	// ToolCall
	ToolCall *ToolCallFragment

	// TurnEnd
	FinishReason string

	// Usage
	Usage *Usage

	// Error. An error event is always the last event of a stream.
	Err *ProviderError
}

// ToolCallFragment is a partial tool call. Fragments sharing an Index belong
// to the same call; ID and Name usually arrive on the first fragment and
// Arguments are concatenated in arrival order.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Usage is the token count reported for one turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Request is one model turn's input.
type Request struct {
	Messages []schema.GenericChatMessage
	Config   schema.ActionModelConfiguration
	Tools    []schema.ToolDefinition
}

// SystemPrompt returns the concatenated system messages.
func (r *Request) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != schema.RoleSystem || m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

// ChatProvider streams one model turn as vendor-neutral events.
// Implementations never panic or return errors out of band: failures surface
// as a final EventError.
type ChatProvider interface {
	Name() string
	Stream(ctx context.Context, req *Request) iter.Seq[Event]
}

func turnStart(model, turnID string) Event { return Event{Kind: EventTurnStart, Model: model, TurnID: turnID} }
func content(text string) Event            { return Event{Kind: EventContent, Text: text} }
func turnEnd(reason string) Event          { return Event{Kind: EventTurnEnd, FinishReason: reason} }
func usage(in, out int64) Event {
	return Event{Kind: EventUsage, Usage: &Usage{InputTokens: in, OutputTokens: out}}
}
func toolFragment(index int, id, name, args string) Event {
	return Event{Kind: EventToolCall, ToolCall: &ToolCallFragment{Index: index, ID: id, Name: name, Arguments: args}}
}
func failure(err *ProviderError) Event { return Event{Kind: EventError, Err: err} }
