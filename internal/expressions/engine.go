package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Engine evaluates expressions against a scope's data map.
// Three implementations: Expr (default), CEL and GoJQ.
type Engine interface {
	Name() string
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultLanguage is used when a condition names no language.
const DefaultLanguage = "expr"

// Evaluator dispatches conditions to the engine for their language.
// Safe for concurrent use.
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator creates an Evaluator with the expr, cel and jq engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{engines: map[string]Engine{
		"expr": NewExprEngine(),
		"cel":  celEngine,
		"jq":   NewGoJQEngine(),
	}}, nil
}

// Languages returns the supported language names, sorted.
func (e *Evaluator) Languages() []string {
	out := make([]string, 0, len(e.engines))
	for name := range e.engines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Evaluator) engine(language string) (Engine, error) {
	if language == "" {
		language = DefaultLanguage
	}
	eng, ok := e.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression language %q; available: %v", language, e.Languages()).
			WithDetails(map[string]any{"language": language})
	}
	return eng, nil
}

// Compile checks that expression parses in language.
func (e *Evaluator) Compile(language, expression string) error {
	eng, err := e.engine(language)
	if err != nil {
		return err
	}
	return eng.Compile(expression)
}

// Truthy evaluates a condition. The result must be a boolean; a jq
// expression that produces no output counts as false.
func (e *Evaluator) Truthy(ctx context.Context, language, expression string, scope *Scope) (bool, error) {
	eng, err := e.engine(language)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, scope.Data())
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		if eng.Name() == "jq" {
			return false, nil
		}
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression,
		"condition %q must evaluate to a boolean, got %s", expression, describe(out)).
		WithDetails(map[string]any{"expression": expression, "language": eng.Name()})
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
