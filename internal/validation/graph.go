package validation

import (
	"errors"

	"github.com/rendis/agentgraph/pkg/schema"
)

// GraphValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema, duplicate IDs)
// 2. Semantic (references, node configs, providers, tools, expressions)
// 3. Graph (cycles, reachability), reported as warnings
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	lookups    Lookups
}

// NewGraphValidator creates a GraphValidator.
func NewGraphValidator(lookups Lookups) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, lookups: lookups}, nil
}

// Validate runs the full pipeline on a normalized definition and returns
// an aggregated result. Structural errors short-circuit the later stages.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph definition is nil")
		return r
	}

	result := validateStructural(gv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, gv.lookups))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (gv *GraphValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	return gv.Validate(def).ToError()
}

func validateStructural(v *JSONSchemaValidator, def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var agentErr *schema.AgentError
	if !errors.As(err, &agentErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := agentErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, agentErr.Message)
	return result
}

var _ Validator = (*GraphValidator)(nil)
