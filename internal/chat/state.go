package chat

import "github.com/rendis/agentgraph/pkg/schema"

// State is the phase of one conversational exchange.
type State int

const (
	StateAwaitingModel State = iota
	StateStreamingResponse
	StateToolPhase
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateStreamingResponse:
		return "streaming_response"
	case StateToolPhase:
		return "tool_phase"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

func isValidTransition(from, to State) bool {
	switch from {
	case StateAwaitingModel:
		return to == StateStreamingResponse || to == StateDone
	case StateStreamingResponse:
		return to == StateToolPhase || to == StateDone
	case StateToolPhase:
		return to == StateAwaitingModel || to == StateDone
	default:
		return false
	}
}

// machine tracks the exchange state. It is owned by one Run call.
type machine struct {
	state State
	trace []State
}

func (m *machine) to(next State) error {
	if !isValidTransition(m.state, next) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid chat transition: %s -> %s", m.state, next).
			WithDetails(map[string]any{"from": m.state.String(), "to": next.String()})
	}
	m.state = next
	m.trace = append(m.trace, next)
	return nil
}
