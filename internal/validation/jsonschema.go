package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentgraph/pkg/schema"
)

const graphSchemaURL = "https://agentgraph.dev/schemas/graph.json"

// graphSchemaJSON is the JSON Schema for GraphDefinition. Node configs are
// checked per type through if/then branches.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentgraph.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "id_list": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["Input", "Output", "Model", "Conditional", "StringFormatter"]
        },
        "inputs": { "$ref": "#/$defs/id_list" },
        "config": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "Input" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/input_config" } } }
        },
        {
          "if": { "properties": { "type": { "const": "Output" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/output_config" } } }
        },
        {
          "if": { "properties": { "type": { "const": "StringFormatter" } } },
          "then": {
            "required": ["config"],
            "properties": { "config": { "$ref": "#/$defs/formatter_config" } }
          }
        },
        {
          "if": { "properties": { "type": { "const": "Conditional" } } },
          "then": {
            "required": ["config"],
            "properties": { "config": { "$ref": "#/$defs/conditional_config" } }
          }
        },
        {
          "if": { "properties": { "type": { "const": "Model" } } },
          "then": {
            "required": ["config"],
            "properties": { "config": { "$ref": "#/$defs/model_config" } }
          }
        }
      ]
    },
    "input_config": {
      "type": "object",
      "properties": { "default": { "type": "string" } },
      "additionalProperties": false
    },
    "output_config": {
      "type": "object",
      "properties": { "separator": { "type": "string" } },
      "additionalProperties": false
    },
    "formatter_config": {
      "type": "object",
      "required": ["template"],
      "properties": { "template": { "type": "string", "minLength": 1 } },
      "additionalProperties": false
    },
    "conditional_config": {
      "type": "object",
      "required": ["conditions"],
      "properties": {
        "conditions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["expression", "next"],
            "properties": {
              "expression": { "type": "string", "minLength": 1 },
              "language": { "type": "string", "enum": ["expr", "cel", "jq"] },
              "next": { "$ref": "#/$defs/id_list" }
            },
            "additionalProperties": false
          }
        },
        "default": { "$ref": "#/$defs/id_list" }
      },
      "additionalProperties": false
    },
    "model_config": {
      "type": "object",
      "required": ["model"],
      "properties": {
        "model": {
          "type": "object",
          "required": ["provider", "model"],
          "properties": {
            "provider": { "type": "string", "minLength": 1 },
            "model": { "type": "string", "minLength": 1 },
            "stream": { "type": "boolean" },
            "metadata": { "type": "object" }
          },
          "additionalProperties": false
        },
        "system_prompt": { "type": "string" },
        "tools": {
          "type": "array",
          "uniqueItems": true,
          "items": { "type": "string", "minLength": 1 }
        },
        "max_turns": { "type": "integer", "minimum": 1, "maximum": 100 },
        "tool_timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates graph definitions against the embedded
// Draft 2020-12 graph schema. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the graph schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	compiled, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &JSONSchemaValidator{graphSchema: compiled}, nil
}

// ValidateDefinition checks def against the graph schema, then rejects
// duplicate node IDs, which JSON Schema cannot express.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph definition").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		return toAgentError(err)
	}

	seen := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, exists := seen[n.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toAgentError(err error) *schema.AgentError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
