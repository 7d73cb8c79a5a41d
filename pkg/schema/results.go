package schema

import (
	"encoding/json"
	"strings"
)

// Result type discriminators.
const (
	ResultTypeText        = "Text"
	ResultTypeConditional = "Conditional"
	ResultTypeException   = "Exception"
)

// AgentNodeResult is the outcome of executing one node.
// Text renders the result for nodes downstream that consume plain text.
type AgentNodeResult interface {
	ResultType() string
	Text() string
}

// TextNodeResult carries plain text.
type TextNodeResult struct {
	Value string `json:"Text"`
}

func (r *TextNodeResult) ResultType() string { return ResultTypeText }
func (r *TextNodeResult) Text() string       { return r.Value }

// ConditionalNodeResult carries the upstream inputs, in declaration order,
// plus the node IDs selected to run next.
type ConditionalNodeResult struct {
	Inputs      []string `json:"Inputs"`
	NextNodeIDs []string `json:"NextNodeIds"`
}

func (r *ConditionalNodeResult) ResultType() string { return ResultTypeConditional }
func (r *ConditionalNodeResult) Text() string       { return strings.Join(r.Inputs, "\n") }

// Selects reports whether nodeID is one of the selected next nodes.
func (r *ConditionalNodeResult) Selects(nodeID string) bool {
	return containsString(r.NextNodeIDs, nodeID)
}

// ExceptionNodeResult is a serializable failure. It never holds a live error.
type ExceptionNodeResult struct {
	Message string `json:"Message"`
	Code    string `json:"Code,omitempty"`
}

func (r *ExceptionNodeResult) ResultType() string { return ResultTypeException }
func (r *ExceptionNodeResult) Text() string       { return r.Message }

// ExceptionFromError converts err into an ExceptionNodeResult.
func ExceptionFromError(err error) *ExceptionNodeResult {
	return &ExceptionNodeResult{Message: err.Error(), Code: CodeOf(err)}
}

type resultEnvelope struct {
	ResultType string `json:"ResultType"`
}

// EncodeResult marshals a result with its ResultType discriminator.
func EncodeResult(r AgentNodeResult) (json.RawMessage, error) {
	if r == nil {
		return json.RawMessage("null"), nil
	}
	switch v := r.(type) {
	case *TextNodeResult:
		return json.Marshal(struct {
			resultEnvelope
			*TextNodeResult
		}{resultEnvelope{ResultTypeText}, v})
	case *ConditionalNodeResult:
		return json.Marshal(struct {
			resultEnvelope
			*ConditionalNodeResult
		}{resultEnvelope{ResultTypeConditional}, v})
	case *ExceptionNodeResult:
		return json.Marshal(struct {
			resultEnvelope
			*ExceptionNodeResult
		}{resultEnvelope{ResultTypeException}, v})
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown result type %T", r)
	}
}

// DecodeResult unmarshals a tagged result produced by EncodeResult.
func DecodeResult(data []byte) (AgentNodeResult, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewError(ErrCodeValidation, "decode result envelope").WithCause(err)
	}
	var out AgentNodeResult
	switch env.ResultType {
	case ResultTypeText:
		out = &TextNodeResult{}
	case ResultTypeConditional:
		out = &ConditionalNodeResult{}
	case ResultTypeException:
		out = &ExceptionNodeResult{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown ResultType %q", env.ResultType)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s result", env.ResultType).WithCause(err)
	}
	return out, nil
}

// nodeResultJSON adapts AgentNodeResult fields to tagged JSON inside stream items.
type nodeResultJSON struct {
	AgentNodeResult
}

func (n nodeResultJSON) MarshalJSON() ([]byte, error) {
	return EncodeResult(n.AgentNodeResult)
}

func (n *nodeResultJSON) UnmarshalJSON(data []byte) error {
	r, err := DecodeResult(data)
	if err != nil {
		return err
	}
	n.AgentNodeResult = r
	return nil
}

