package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/agentgraph/internal/expressions"
	"github.com/rendis/agentgraph/pkg/schema"
)

// validateSemantic checks what the schema cannot: input references,
// per-type wiring rules, provider and tool existence, condition
// expressions and template references.
func validateSemantic(def *schema.GraphDefinition, lookups Lookups) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.NodeDefinition, len(def.Nodes))
	for i := range def.Nodes {
		nodes[def.Nodes[i].ID] = &def.Nodes[i]
	}

	var inputCount, outputCount int
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		validateInputRefs(n, path, nodes, result)

		switch n.Type {
		case schema.NodeTypeInput:
			inputCount++
			if len(n.Inputs) > 0 {
				result.NodeError(n.ID, path+".inputs", schema.ErrCodeValidation,
					fmt.Sprintf("input node %q cannot have inputs", n.ID))
			}
		case schema.NodeTypeOutput:
			outputCount++
			if len(n.Inputs) == 0 {
				result.NodeError(n.ID, path+".inputs", schema.ErrCodeValidation,
					fmt.Sprintf("output node %q needs at least one input", n.ID))
			}
		case schema.NodeTypeConditional:
			validateConditional(n, path, nodes, lookups.Expressions, result)
		case schema.NodeTypeStringFormatter:
			validateFormatter(n, path, result)
		case schema.NodeTypeModel:
			validateModel(n, path, lookups, result)
		}
	}

	if inputCount == 0 {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			"graph has no Input node; the initial input is never read")
	}
	if outputCount == 0 {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			"graph has no Output node")
	}
	return result
}

func validateInputRefs(n *schema.NodeDefinition, path string, nodes map[string]*schema.NodeDefinition, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(n.Inputs))
	for j, in := range n.Inputs {
		p := fmt.Sprintf("%s.inputs[%d]", path, j)
		switch {
		case in == n.ID:
			result.NodeError(n.ID, p, schema.ErrCodeValidation, fmt.Sprintf("node %q cannot take input from itself", n.ID))
		case nodes[in] == nil:
			result.NodeError(n.ID, p, schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", in))
		case seen[in]:
			result.NodeWarning(n.ID, p, schema.ErrCodeValidation, fmt.Sprintf("duplicate input %q", in))
		}
		seen[in] = true
	}
}

func validateConditional(n *schema.NodeDefinition, path string, nodes map[string]*schema.NodeDefinition, compiler ExpressionCompiler, result *schema.ValidationResult) {
	var cfg schema.ConditionalConfig
	if !decodeConfig(n, path, &cfg, result) {
		return
	}
	if len(n.Inputs) == 0 {
		result.NodeError(n.ID, path+".inputs", schema.ErrCodeValidation,
			fmt.Sprintf("conditional node %q needs at least one input", n.ID))
	}

	checkTargets := func(p string, targets []string) {
		for k, target := range targets {
			tp := fmt.Sprintf("%s[%d]", p, k)
			downstream, ok := nodes[target]
			if !ok {
				result.NodeError(n.ID, tp, schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", target))
				continue
			}
			if !contains(downstream.Inputs, n.ID) {
				result.NodeError(n.ID, tp, schema.ErrCodeValidation,
					fmt.Sprintf("node %q does not take input from conditional %q", target, n.ID))
			}
		}
	}

	for j, c := range cfg.Conditions {
		cp := fmt.Sprintf("%s.config.conditions[%d]", path, j)
		if compiler != nil {
			if err := compiler.Compile(c.Language, c.Expression); err != nil {
				result.NodeError(n.ID, cp+".expression", schema.ErrCodeExpression, err.Error())
			}
		}
		checkTargets(cp+".next", c.Next)
	}
	checkTargets(path+".config.default", cfg.Default)

	if len(cfg.Conditions) == 0 && len(cfg.Default) == 0 {
		result.NodeWarning(n.ID, path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("conditional node %q selects nothing; every downstream node is skipped", n.ID))
	}
}

func validateFormatter(n *schema.NodeDefinition, path string, result *schema.ValidationResult) {
	var cfg schema.StringFormatterConfig
	if !decodeConfig(n, path, &cfg, result) {
		return
	}
	refs, err := expressions.TemplateRefs(cfg.Template)
	if err != nil {
		result.NodeError(n.ID, path+".config.template", schema.ErrCodeExpression, err.Error())
		return
	}
	for _, ref := range refs {
		if ref.Namespace == "inputs" && !contains(n.Inputs, ref.Path[0]) {
			result.NodeError(n.ID, path+".config.template", schema.ErrCodeValidation,
				fmt.Sprintf("${{ %s }} refers to %q, which is not an input of %q", ref.Raw, ref.Path[0], n.ID))
		}
	}
}

func validateModel(n *schema.NodeDefinition, path string, lookups Lookups, result *schema.ValidationResult) {
	var cfg schema.ModelConfig
	if !decodeConfig(n, path, &cfg, result) {
		return
	}
	if lookups.Providers != nil && !lookups.Providers.Has(cfg.Model.Provider) {
		result.NodeError(n.ID, path+".config.model.provider", schema.ErrCodeNotFound,
			fmt.Sprintf("chat provider %q not registered", cfg.Model.Provider))
	}
	if lookups.Tools != nil {
		for j, name := range cfg.Tools {
			if !lookups.Tools.Has(name) {
				result.NodeError(n.ID, fmt.Sprintf("%s.config.tools[%d]", path, j), schema.ErrCodeToolNotFound,
					fmt.Sprintf("tool %q not registered or unavailable", name))
			}
		}
	}
	if cfg.ToolTimeout != "" {
		if _, err := time.ParseDuration(cfg.ToolTimeout); err != nil {
			result.NodeError(n.ID, path+".config.tool_timeout", schema.ErrCodeValidation, err.Error())
		}
	}
	if len(n.Inputs) == 0 && cfg.SystemPrompt == "" {
		result.NodeWarning(n.ID, path+".inputs", schema.ErrCodeValidation,
			fmt.Sprintf("model node %q has no inputs and no system prompt", n.ID))
	}
}

func decodeConfig(n *schema.NodeDefinition, path string, out any, result *schema.ValidationResult) bool {
	if len(n.Config) == 0 {
		return true
	}
	if err := json.Unmarshal(n.Config, out); err != nil {
		result.NodeError(n.ID, path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("invalid %s config: %s", n.Type, err.Error()))
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
