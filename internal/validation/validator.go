package validation

import "github.com/rendis/agentgraph/pkg/schema"

// Validator checks graph definitions for correctness before execution.
type Validator interface {
	ValidateDefinition(def *schema.GraphDefinition) error
}

// ProviderLookup reports whether a chat provider ID is registered.
type ProviderLookup interface {
	Has(id string) bool
}

// ToolLookup reports whether a tool is registered and available.
type ToolLookup interface {
	Has(name string) bool
}

// ExpressionCompiler checks that a condition expression compiles.
type ExpressionCompiler interface {
	Compile(language, expression string) error
}

// Lookups are the registries semantic checks consult. Any nil member
// skips the corresponding existence check.
type Lookups struct {
	Providers   ProviderLookup
	Tools       ToolLookup
	Expressions ExpressionCompiler
}
