package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() Scope {
	return Scope{
		"inputs": map[string]any{
			"name":  "World",
			"count": 3,
			"ratio": 0.5,
			"debug": false,
		},
		"steps": map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{
					"items": []any{"a", "b", "c"},
					"total": 3,
				},
			},
		},
		"ctx": map[string]any{
			"mode": "fast",
		},
		"item": "b",
		"loop": map[string]any{"index": 1},
	}
}

func TestRenderPlainString(t *testing.T) {
	out, err := Render("no placeholders here", testScope())
	require.NoError(t, err)
	assert.Equal(t, "no placeholders here", out)
}

func TestRenderSingleExpressionKeepsType(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected any
	}{
		{"string input", "{{ inputs.name }}", "World"},
		{"integer input", "{{ inputs.count }}", 3},
		{"float input", "{{ inputs.ratio }}", 0.5},
		{"bool input", "{{ inputs.debug }}", false},
		{"nested output", "{{ steps.fetch.output.total }}", 3},
		{"index lookup", "{{ steps.fetch.output.items[1] }}", "b"},
		{"item binding", "{{ item }}", "b"},
		{"loop index", "{{ loop.index }}", 1},
		{"string literal", "{{ 'hello' }}", "hello"},
		{"number literal", "{{ 42 }}", 42},
		{"true literal", "{{ true }}", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Render(tt.template, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestRenderInterpolation(t *testing.T) {
	out, err := Render("Hello, {{ inputs.name }}! x{{ inputs.count }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "Hello, World! x3", out)
}

func TestRenderUnknownReferenceFails(t *testing.T) {
	_, err := Render("{{ inputs.missing }}", testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reference")

	_, err = Render("{{ nowhere.at.all }}", testScope())
	require.Error(t, err)
}

func TestRenderSyntaxErrors(t *testing.T) {
	scope := testScope()

	_, err := Render("{{ inputs.name", scope)
	assert.Error(t, err)

	_, err = Render("{{ inputs.name = 3 }}", scope)
	assert.Error(t, err)

	_, err = Render("{{ 'unterminated }}", scope)
	assert.Error(t, err)
}

func TestEvalComparisons(t *testing.T) {
	tests := []struct {
		expr     string
		expected bool
	}{
		{"inputs.count == 3", true},
		{"inputs.count != 3", false},
		{"inputs.count > 2", true},
		{"inputs.count >= 3", true},
		{"inputs.count < 2", false},
		{"inputs.ratio <= 0.5", true},
		{"inputs.name == 'World'", true},
		{"inputs.name != 'World'", false},
		{"ctx.mode == 'fast'", true},
		{"not inputs.debug", true},
		{"not inputs.count", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := Eval(tt.expr, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestEvalBoolTruthiness(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected bool
	}{
		{"non-empty string", "{{ inputs.name }}", true},
		{"false bool", "{{ inputs.debug }}", false},
		{"non-zero int", "{{ inputs.count }}", true},
		{"non-empty list", "{{ steps.fetch.output.items }}", true},
		{"comparison", "{{ inputs.count > 10 }}", false},
		{"bare text", "yes", true},
		{"empty text", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := EvalBool(tt.template, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestRenderSequence(t *testing.T) {
	seq, err := RenderSequence("{{ steps.fetch.output.items }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, seq)

	_, err = RenderSequence("{{ inputs.count }}", testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a sequence")
}

func TestRenderValueRecursive(t *testing.T) {
	params := map[string]any{
		"message": "Hello, {{ inputs.name }}!",
		"nested": map[string]any{
			"count": "{{ inputs.count }}",
		},
		"list":   []any{"{{ ctx.mode }}", "static"},
		"number": 7,
	}
	out, err := RenderValue(params, testScope())
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "Hello, World!", m["message"])
	assert.Equal(t, 3, m["nested"].(map[string]any)["count"])
	assert.Equal(t, []any{"fast", "static"}, m["list"])
	assert.Equal(t, 7, m["number"])
}

func TestIndexOutOfRange(t *testing.T) {
	_, err := Render("{{ steps.fetch.output.items[9] }}", testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
