package schema

import (
	"encoding/json"
	"time"
)

// Stream item kinds. The kind name doubles as the MessageType discriminator.
const (
	KindRequestStart      = "RequestStart"
	KindRequestEnd        = "RequestEnd"
	KindAgentStart        = "AgentStart"
	KindAgentEnd          = "AgentEnd"
	KindNodeStart         = "NodeStart"
	KindNodeEnd           = "NodeEnd"
	KindChatStartFragment = "ChatStartFragment"
	KindChatFragment      = "ChatFragment"
	KindChatEndFragment   = "ChatEndFragment"
	KindToolCall          = "ToolCall"
	KindToolResult        = "ToolResult"
	KindTokenUsage        = "TokenUsage"
	KindExceptionResult   = "ExceptionResult"
)

// ItemHeader is embedded in every stream item.
type ItemHeader struct {
	MessageType string    `json:"MessageType"`
	ExecutionID string    `json:"ExecutionId"`
	Timestamp   time.Time `json:"Timestamp"`
}

// Header returns the embedded header.
func (h *ItemHeader) Header() *ItemHeader { return h }

// StreamItem is one event on an execution's output stream.
type StreamItem interface {
	Header() *ItemHeader
	Kind() string
}

// Stamp fills in the header's discriminator, execution ID and timestamp
// where they are not already set.
func Stamp(item StreamItem, executionID string, now time.Time) {
	h := item.Header()
	h.MessageType = item.Kind()
	if h.ExecutionID == "" {
		h.ExecutionID = executionID
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = now
	}
}

// RequestStart opens an execution's stream.
type RequestStart struct {
	ItemHeader
	GraphID string `json:"GraphId,omitempty"`
	Input   string `json:"Input,omitempty"`
}

// RequestEnd is always the last item of an execution.
type RequestEnd struct {
	ItemHeader
	Status     string `json:"Status"` // Completed | Failed | Cancelled
	DurationMs int64  `json:"DurationMs"`
}

// Request end statuses.
const (
	RequestStatusCompleted = "Completed"
	RequestStatusFailed    = "Failed"
	RequestStatusCancelled = "Cancelled"
)

// AgentStart marks the start of graph scheduling. NodeID is the agent graph's ID.
type AgentStart struct {
	ItemHeader
	NodeID    string    `json:"NodeId"`
	Name      string    `json:"Name,omitempty"`
	StartTime time.Time `json:"StartTime"`
}

// End derives the matching AgentEnd.
func (s *AgentStart) End(now time.Time) *AgentEnd {
	return &AgentEnd{
		NodeID:     s.NodeID,
		Name:       s.Name,
		StartTime:  s.StartTime,
		EndTime:    now,
		DurationMs: now.Sub(s.StartTime).Milliseconds(),
	}
}

// AgentEnd marks the end of graph scheduling.
type AgentEnd struct {
	ItemHeader
	NodeID     string    `json:"NodeId"`
	Name       string    `json:"Name,omitempty"`
	StartTime  time.Time `json:"StartTime"`
	EndTime    time.Time `json:"EndTime"`
	DurationMs int64     `json:"DurationMs"`
}

// NodeStart marks the start of a node's execution.
type NodeStart struct {
	ItemHeader
	NodeID    string    `json:"NodeId"`
	Name      string    `json:"Name,omitempty"`
	NodeType  NodeType  `json:"NodeType"`
	StartTime time.Time `json:"StartTime"`
}

// End derives the matching NodeEnd carrying result.
func (s *NodeStart) End(result AgentNodeResult, now time.Time) *NodeEnd {
	return &NodeEnd{
		NodeID:     s.NodeID,
		Name:       s.Name,
		NodeType:   s.NodeType,
		StartTime:  s.StartTime,
		EndTime:    now,
		DurationMs: now.Sub(s.StartTime).Milliseconds(),
		Result:     result,
	}
}

// NodeEnd carries a node's result and elapsed time.
type NodeEnd struct {
	ItemHeader
	NodeID     string          `json:"NodeId"`
	Name       string          `json:"Name,omitempty"`
	NodeType   NodeType        `json:"NodeType"`
	StartTime  time.Time       `json:"StartTime"`
	EndTime    time.Time       `json:"EndTime"`
	DurationMs int64           `json:"DurationMs"`
	Result     AgentNodeResult `json:"Result"`
}

func (e *NodeEnd) MarshalJSON() ([]byte, error) {
	type alias NodeEnd
	return json.Marshal(struct {
		*alias
		Result nodeResultJSON `json:"Result"`
	}{(*alias)(e), nodeResultJSON{e.Result}})
}

func (e *NodeEnd) UnmarshalJSON(data []byte) error {
	type alias NodeEnd
	aux := struct {
		*alias
		Result nodeResultJSON `json:"Result"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Result = aux.Result.AgentNodeResult
	return nil
}

// ChatStartFragment opens one model turn. Model is the model the provider reports serving, which may differ from
// the requested alias. ProviderTurnID is the provider's own turn or
// message ID when it reports one.
type ChatStartFragment struct {
	ItemHeader
	ChatID         string `json:"ChatId"`
	NodeID         string `json:"NodeId,omitempty"`
	Model          string `json:"Model,omitempty"`
	Provider       string `json:"Provider,omitempty"`
	ProviderTurnID string `json:"ProviderTurnId,omitempty"`
}

// ChatFragment carries incremental model text. Metadata holds the
// provider name and the 1-based turn number within the exchange.
type ChatFragment struct {
	ItemHeader
	ChatID   string         `json:"ChatId"`
	NodeID   string         `json:"NodeId,omitempty"`
	Text     string         `json:"Text"`
	Metadata map[string]any `json:"Metadata,omitempty"`
}

// ChatEndFragment closes one model turn.
type ChatEndFragment struct {
	ItemHeader
	ChatID       string `json:"ChatId"`
	NodeID       string `json:"NodeId,omitempty"`
	FinishReason string `json:"FinishReason,omitempty"`
}

// ToolCall announces a tool invocation requested by the model.
type ToolCall struct {
	ItemHeader
	ToolCallID      string          `json:"ToolCallId"`
	NodeID          string          `json:"NodeId,omitempty"`
	ChatID          string          `json:"ChatId,omitempty"`
	ToolName        string          `json:"ToolName"`
	Index           int             `json:"Index"`
	QueryParameters json.RawMessage `json:"QueryParameters,omitempty"`
}

// ToolResult carries the payload of a successful tool invocation.
type ToolResult struct {
	ItemHeader
	ToolCallID string          `json:"ToolCallId"`
	NodeID     string          `json:"NodeId,omitempty"`
	ToolName   string          `json:"ToolName"`
	Result     json.RawMessage `json:"Result,omitempty"`
	DurationMs int64           `json:"DurationMs"`
}

// TokenUsage reports token counts for one model turn.
type TokenUsage struct {
	ItemHeader
	ChatID       string `json:"ChatId,omitempty"`
	NodeID       string `json:"NodeId,omitempty"`
	Model        string `json:"Model,omitempty"`
	InputTokens  int64  `json:"InputTokens"`
	OutputTokens int64  `json:"OutputTokens"`
}

// ExceptionResult reports a failure observed by the engine.
type ExceptionResult struct {
	ItemHeader
	Message    string `json:"Message"`
	Code       string `json:"Code,omitempty"`
	NodeID     string `json:"NodeId,omitempty"`
	ToolCallID string `json:"ToolCallId,omitempty"`
}

// ExceptionItem converts err into an ExceptionResult.
func ExceptionItem(err error) *ExceptionResult {
	return &ExceptionResult{Message: err.Error(), Code: CodeOf(err)}
}

func (*RequestStart) Kind() string      { return KindRequestStart }
func (*RequestEnd) Kind() string        { return KindRequestEnd }
func (*AgentStart) Kind() string        { return KindAgentStart }
func (*AgentEnd) Kind() string          { return KindAgentEnd }
func (*NodeStart) Kind() string         { return KindNodeStart }
func (*NodeEnd) Kind() string           { return KindNodeEnd }
func (*ChatStartFragment) Kind() string { return KindChatStartFragment }
func (*ChatFragment) Kind() string      { return KindChatFragment }
func (*ChatEndFragment) Kind() string   { return KindChatEndFragment }
func (*ToolCall) Kind() string          { return KindToolCall }
func (*ToolResult) Kind() string        { return KindToolResult }
func (*TokenUsage) Kind() string        { return KindTokenUsage }
func (*ExceptionResult) Kind() string   { return KindExceptionResult }

// EncodeItem marshals a stream item as tagged JSON.
func EncodeItem(item StreamItem) ([]byte, error) {
	item.Header().MessageType = item.Kind()
	return json.Marshal(item)
}

// DecodeItem unmarshals tagged JSON produced by EncodeItem.
func DecodeItem(data []byte) (StreamItem, error) {
	var h ItemHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, NewError(ErrCodeValidation, "decode stream item header").WithCause(err)
	}
	item := newItem(h.MessageType)
	if item == nil {
		return nil, NewErrorf(ErrCodeValidation, "unknown MessageType %q", h.MessageType)
	}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s item", h.MessageType).WithCause(err)
	}
	return item, nil
}

func newItem(kind string) StreamItem {
	switch kind {
	case KindRequestStart:
		return &RequestStart{}
	case KindRequestEnd:
		return &RequestEnd{}
	case KindAgentStart:
		return &AgentStart{}
	case KindAgentEnd:
		return &AgentEnd{}
	case KindNodeStart:
		return &NodeStart{}
	case KindNodeEnd:
		return &NodeEnd{}
	case KindChatStartFragment:
		return &ChatStartFragment{}
	case KindChatFragment:
		return &ChatFragment{}
	case KindChatEndFragment:
		return &ChatEndFragment{}
	case KindToolCall:
		return &ToolCall{}
	case KindToolResult:
		return &ToolResult{}
	case KindTokenUsage:
		return &TokenUsage{}
	case KindExceptionResult:
		return &ExceptionResult{}
	default:
		return nil
	}
}
