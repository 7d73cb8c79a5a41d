package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentgraph/pkg/schema"
)

// ArgumentValidator checks tool arguments against their JSON Schema.
// Compiled schemas are cached by their source text. Safe for concurrent use.
type ArgumentValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewArgumentValidator creates an empty validator.
func NewArgumentValidator() *ArgumentValidator {
	return &ArgumentValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Compile checks that parameters is a valid JSON Schema and caches it.
func (v *ArgumentValidator) Compile(parameters json.RawMessage) error {
	if len(parameters) == 0 {
		return nil
	}
	_, err := v.getOrCompile(parameters)
	return err
}

// Validate checks raw JSON arguments against parameters. An empty schema
// accepts anything.
func (v *ArgumentValidator) Validate(args json.RawMessage, parameters json.RawMessage) error {
	if len(parameters) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(parameters)
	if err != nil {
		return schema.NewError(schema.ErrCodeToolArgumentInvalid, "invalid tool parameter schema").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return schema.NewError(schema.ErrCodeToolArgumentInvalid, "arguments are not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toArgumentError(err)
	}
	return nil
}

func (v *ArgumentValidator) getOrCompile(parameters json.RawMessage) (*jsonschema.Schema, error) {
	key := string(parameters)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("agentgraph://tool-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func toArgumentError(err error) *schema.AgentError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeToolArgumentInvalid, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeToolArgumentInvalid, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeToolArgumentInvalid, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "arguments failed validation with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
