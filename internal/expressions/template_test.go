package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentgraph/pkg/schema"
)

func TestRenderTemplate(t *testing.T) {
	scope := NewScope("exec-1", "graph-1", []NamedInput{
		{NodeID: "lookup", Text: `{"user": {"name": "Ada", "age": 36}, "items": ["x", "y"], "ok": true}`},
	})

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain text", "no references", "no references"},
		{"input", "got: ${{ input }}", `got: {"user": {"name": "Ada", "age": 36}, "items": ["x", "y"], "ok": true}`},
		{"json string", "Hi ${{json.user.name}}!", "Hi Ada!"},
		{"json number", "${{ json.user.age }}", "36"},
		{"json bool", "${{ json.ok }}", "true"},
		{"json array index", "${{ json.items.1 }}", "y"},
		{"json object", "${{ json.user }}", `{"age":36,"name":"Ada"}`},
		{"execution id", "run ${{ execution.id }} of ${{ execution.graph_id }}", "run exec-1 of graph-1"},
		{"multiple", "${{json.items.0}}-${{json.items.1}}", "x-y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderTemplate(tt.template, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderTemplate_InputsByNode(t *testing.T) {
	scope := NewScope("e", "g", []NamedInput{{NodeID: "a", Text: "5"}, {NodeID: "b", Text: "five"}})
	got, err := RenderTemplate("${{ inputs.a }} is ${{ inputs.b }}", scope)
	require.NoError(t, err)
	assert.Equal(t, "5 is five", got)
}

func TestRenderTemplate_Errors(t *testing.T) {
	plain := NewScope("e", "g", []NamedInput{{NodeID: "a", Text: "hello"}})
	doc := NewScope("e", "g", []NamedInput{{NodeID: "a", Text: `{"k": [1]}`}})

	tests := []struct {
		name     string
		template string
		scope    *Scope
		contains string
	}{
		{"unclosed", "${{ input", plain, "unclosed"},
		{"nested", "${{ ${{ input }} }}", plain, "nested"},
		{"empty", "${{  }}", plain, "empty reference"},
		{"unknown namespace", "${{ steps.a }}", plain, "unknown namespace"},
		{"unknown input node", "${{ inputs.z }}", plain, `field "z" not found`},
		{"json on text", "${{ json.k }}", plain, "input is not JSON"},
		{"index out of range", "${{ json.k.3 }}", doc, "out of range"},
		{"scalar access", "${{ json.k.0.x }}", doc, "cannot access"},
		{"bad execution field", "${{ execution.user }}", plain, "execution.id"},
		{"input with path", "${{ input.x }}", plain, "takes no path"},
		{"empty segment", "${{ json..k }}", doc, "empty segment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RenderTemplate(tt.template, tt.scope)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestTemplateRefs(t *testing.T) {
	refs, err := TemplateRefs("A ${{ inputs.x }} B ${{ json.a.b }} ${{input}}")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, TemplateRef{Raw: "inputs.x", Namespace: "inputs", Path: []string{"x"}}, refs[0])
	assert.Equal(t, []string{"a", "b"}, refs[1].Path)
	assert.Equal(t, "input", refs[2].Namespace)
	assert.Empty(t, refs[2].Path)

	_, err = TemplateRefs("${{ secrets.key }}")
	assert.Error(t, err)
}
