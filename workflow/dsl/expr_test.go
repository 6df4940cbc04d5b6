package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Evaluate unit tests
// =============================================================================

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		vars     map[string]any
		expected bool
		wantErr  bool
	}{
		// --- Comparison operators ---
		{
			name:     "greater than true",
			expr:     `score > 0.8`,
			vars:     map[string]any{"score": 0.9},
			expected: true,
		},
		{
			name:     "greater than false",
			expr:     `score > 0.8`,
			vars:     map[string]any{"score": 0.5},
			expected: false,
		},
		{
			name:     "equal string",
			expr:     `status == "HIGH_DEFECT"`,
			vars:     map[string]any{"status": "HIGH_DEFECT"},
			expected: true,
		},
		{
			name:     "single quoted string",
			expr:     `line == 'A'`,
			vars:     map[string]any{"line": "A"},
			expected: true,
		},
		{
			name:     "not equal",
			expr:     `count != 0`,
			vars:     map[string]any{"count": 5},
			expected: true,
		},
		{
			name:     "less than or equal",
			expr:     `x <= 10`,
			vars:     map[string]any{"x": 10},
			expected: true,
		},
		// --- Logical operators ---
		{
			name:     "and both true",
			expr:     `a > 1 && b < 5`,
			vars:     map[string]any{"a": 2, "b": 3},
			expected: true,
		},
		{
			name:     "or one true",
			expr:     `a > 10 || b < 5`,
			vars:     map[string]any{"a": 2, "b": 3},
			expected: true,
		},
		{
			name:     "not",
			expr:     `!done`,
			vars:     map[string]any{"done": false},
			expected: true,
		},
		// --- Arithmetic ---
		{
			name:     "division ratio",
			expr:     `defect_count / production_count >= 0.05`,
			vars:     map[string]any{"defect_count": 5, "production_count": 100},
			expected: true,
		},
		{
			name:     "precedence multiply before add",
			expr:     `1 + 2 * 3 == 7`,
			expected: true,
		},
		{
			name:     "subtraction without spaces",
			expr:     `a-1 == 4`,
			vars:     map[string]any{"a": 5},
			expected: true,
		},
		{
			name:     "unary minus on variable",
			expr:     `-a < 0`,
			vars:     map[string]any{"a": 3},
			expected: true,
		},
		{
			name:     "modulo",
			expr:     `n % 2 == 1`,
			vars:     map[string]any{"n": 7},
			expected: true,
		},
		// --- Field access ---
		{
			name: "nested field access",
			expr: `judge.confidence >= 0.9`,
			vars: map[string]any{
				"judge": map[string]any{"confidence": 0.95},
			},
			expected: true,
		},
		{
			name:     "nested field not found",
			expr:     `judge.missing == null`,
			vars:     map[string]any{"judge": map[string]any{}},
			expected: true,
		},
		// --- Builtins ---
		{
			name:     "max builtin",
			expr:     `max(a, b, 3) == 9`,
			vars:     map[string]any{"a": 9, "b": 1},
			expected: true,
		},
		{
			name:     "contains list",
			expr:     `contains(tags, "urgent")`,
			vars:     map[string]any{"tags": []any{"urgent", "line-a"}},
			expected: true,
		},
		{
			name:     "round with precision",
			expr:     `round(0.12345, 2) == 0.12`,
			expected: true,
		},
		{
			name:     "len of string",
			expr:     `len(code) == 3`,
			vars:     map[string]any{"code": "abc"},
			expected: true,
		},
		// --- Edge cases ---
		{
			name:     "empty expression",
			expr:     ``,
			expected: false,
		},
		{
			name:     "undefined variable is falsy",
			expr:     `missing`,
			expected: false,
		},
		{
			name:    "division by zero",
			expr:    `a / 0 > 1`,
			vars:    map[string]any{"a": 1},
			wantErr: true,
		},
		{
			name:    "arithmetic on string",
			expr:    `a * 2`,
			vars:    map[string]any{"a": "x"},
			wantErr: true,
		},
		{
			name:    "unterminated string",
			expr:    `status == "open`,
			wantErr: true,
		},
		{
			name:    "missing closing paren",
			expr:    `(a > 1`,
			wantErr: true,
		},
		{
			name:    "unknown function",
			expr:    `exec("rm")`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, tt.vars)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluateValue_Arithmetic(t *testing.T) {
	v, err := EvaluateValue(`defect_count / production_count`, map[string]any{
		"defect_count":     5,
		"production_count": 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.05, v, 1e-9)

	v, err = EvaluateValue(`"line-" + id`, map[string]any{"id": "7"})
	require.NoError(t, err)
	assert.Equal(t, "line-7", v)
}

func TestExpr_StepBudget(t *testing.T) {
	e := MustCompile(`a + a + a + a + a + a + a + a`)
	_, err := e.EvalWithBudget(map[string]any{"a": 1}, 5)
	assert.ErrorIs(t, err, ErrStepBudgetExceeded)

	v, err := e.EvalWithBudget(map[string]any{"a": 1}, 100)
	require.NoError(t, err)
	assert.Equal(t, 8.0, v)
}

func TestExpr_ShortCircuit(t *testing.T) {
	// 右侧除零不会被求值
	ok, err := Evaluate(`false && 1 / 0 > 0`, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Evaluate(`true || 1 / 0 > 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTokenize(t *testing.T) {
	tokens, err := tokenize(`a-1 >= -2`)
	require.NoError(t, err)
	require.Len(t, tokens, 5)
	assert.Equal(t, token{tkIdent, "a"}, tokens[0])
	assert.Equal(t, token{tkOp, "-"}, tokens[1])
	assert.Equal(t, token{tkNumber, "1"}, tokens[2])
	assert.Equal(t, token{tkOp, ">="}, tokens[3])
	assert.Equal(t, token{tkNumber, "-2"}, tokens[4])
}

func TestResolvePath(t *testing.T) {
	vars := map[string]any{
		"input": map[string]any{
			"line": map[string]any{"id": "A"},
		},
	}
	assert.Equal(t, "A", ResolvePath("input.line.id", vars))
	assert.Nil(t, ResolvePath("input.line.missing", vars))
	assert.Nil(t, ResolvePath("input.line.id.deeper", vars))
}

func TestInterpolate(t *testing.T) {
	got := Interpolate("line ${input.line} rate ${rate}${missing}", map[string]any{
		"input": map[string]any{"line": "A"},
		"rate":  0.05,
	})
	assert.Equal(t, "line A rate 0.05", got)
}
