package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/agentgraph/pkg/schema"
)

// Template namespaces recognised inside ${{ ... }}.
var templateNamespaces = []string{"input", "inputs", "json", "execution"}

// TemplateRef is one ${{ ... }} reference found in a template.
type TemplateRef struct {
	Raw       string // expression between the markers, trimmed
	Namespace string
	Path      []string // segments after the namespace
}

// TemplateRefs parses template and returns its references in order.
// It rejects unclosed, nested and empty references and unknown namespaces.
func TemplateRefs(template string) ([]TemplateRef, error) {
	var refs []TemplateRef
	err := scanTemplate(template, func(_ string) {}, func(ref TemplateRef) error {
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

// RenderTemplate substitutes every reference with its value from scope.
// Strings are inserted verbatim; other values are rendered as compact JSON.
func RenderTemplate(template string, scope *Scope) (string, error) {
	var out strings.Builder
	out.Grow(len(template))
	data := scope.Data()

	err := scanTemplate(template, func(lit string) { out.WriteString(lit) }, func(ref TemplateRef) error {
		val, err := resolveRef(ref, data)
		if err != nil {
			return err
		}
		out.WriteString(renderValue(val))
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

func scanTemplate(template string, literal func(string), reference func(TemplateRef) error) error {
	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			literal(template[i:])
			return nil
		}
		literal(template[i : i+idx])
		start := i + idx + 3

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return schema.NewError(schema.ErrCodeExpression, "unclosed ${{ reference in template")
		}
		end += start

		raw := strings.TrimSpace(template[start:end])
		if strings.Contains(raw, "${{") {
			return schema.NewError(schema.ErrCodeExpression,
				"nested reference not allowed: ${{...}} cannot contain ${{")
		}
		if raw == "" {
			return schema.NewError(schema.ErrCodeExpression, "empty reference: ${{  }}")
		}

		ref, err := parseRef(raw)
		if err != nil {
			return err
		}
		if err := reference(ref); err != nil {
			return err
		}
		i = end + 2
	}
	return nil
}

func parseRef(raw string) (TemplateRef, error) {
	segments := strings.Split(raw, ".")
	for i, seg := range segments {
		if seg == "" {
			return TemplateRef{}, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in reference %q at position %d", raw, i).
				WithDetails(map[string]any{"expression": raw})
		}
	}
	ref := TemplateRef{Raw: raw, Namespace: segments[0], Path: segments[1:]}

	switch ref.Namespace {
	case "input":
		if len(ref.Path) > 0 {
			return ref, schema.NewErrorf(schema.ErrCodeExpression,
				"invalid reference %q: input takes no path; use json.<field>", raw)
		}
	case "inputs":
		if len(ref.Path) != 1 {
			return ref, schema.NewErrorf(schema.ErrCodeExpression,
				"invalid reference %q: expected inputs.<nodeId>", raw)
		}
	case "execution":
		if len(ref.Path) != 1 || (ref.Path[0] != "id" && ref.Path[0] != "graph_id") {
			return ref, schema.NewErrorf(schema.ErrCodeExpression,
				"invalid reference %q: expected execution.id or execution.graph_id", raw)
		}
	case "json":
	default:
		return ref, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: %s", ref.Namespace, raw, strings.Join(templateNamespaces, ", ")).
			WithDetails(map[string]any{"expression": raw, "available_namespaces": templateNamespaces})
	}
	return ref, nil
}

func resolveRef(ref TemplateRef, data map[string]any) (any, error) {
	root := data[ref.Namespace]
	if ref.Namespace == "json" && root == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"cannot resolve %q: input is not JSON", ref.Raw).
			WithDetails(map[string]any{"expression": ref.Raw})
	}
	return traversePath(root, ref.Path, ref.Raw)
}

// traversePath walks maps by key and slices by numeric index.
func traversePath(root any, path []string, raw string) (any, error) {
	current := root
	for _, seg := range path {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"field %q not found in %q; available: [%s]", seg, raw, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"expression": raw, "available_fields": keys})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"index %q out of range in %q (length %d)", seg, raw, len(v)).
					WithDetails(map[string]any{"expression": raw})
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot access %q on %s in %q", seg, describe(current), raw).
				WithDetails(map[string]any{"expression": raw})
		}
	}
	return current, nil
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
