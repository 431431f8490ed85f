package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

func engineData() map[string]any {
	return EngineData(&Scope{
		Steps: map[string]any{
			"fetch": map[string]any{"status_code": float64(200), "count": float64(5)},
			"check": true,
		},
		Vars: map[string]any{
			"threshold": float64(3),
			"items":     []any{float64(1), float64(2), float64(3)},
		},
	})
}

func TestCELEngine_Evaluate(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", engine.Name())

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{name: "step comparison", expression: `steps.fetch.status_code == 200.0`, want: true},
		{name: "var comparison", expression: `vars.threshold < 5.0`, want: true},
		{name: "boolean step output", expression: `steps.check`, want: true},
		{name: "compound", expression: `steps.fetch.count > vars.threshold && steps.check`, want: true},
		{name: "false result", expression: `steps.fetch.status_code == 404.0`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(context.Background(), tt.expression, engineData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_CompileError(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), `steps.fetch ==`, engineData())
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), "", engineData())
	require.Error(t, err)
}

func TestCELEngine_MissingDataDefaultsToEmptyMaps(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	got, err := engine.Evaluate(context.Background(), `"x" in steps`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestCELEngine_CachesPrograms(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	const expression = `steps.check`
	_, err = engine.Evaluate(context.Background(), expression, engineData())
	require.NoError(t, err)

	engine.mu.RLock()
	_, cached := engine.cache[expression]
	engine.mu.RUnlock()
	assert.True(t, cached)
}

func TestExprEngine_Evaluate(t *testing.T) {
	engine := NewExprEngine()
	assert.Equal(t, "expr", engine.Name())

	tests := []struct {
		name       string
		expression string
		check      func(t *testing.T, got any)
	}{
		{
			name:       "passthrough list",
			expression: `vars.items`,
			check: func(t *testing.T, got any) {
				assert.Equal(t, []any{float64(1), float64(2), float64(3)}, got)
			},
		},
		{
			name:       "filter",
			expression: `filter(vars.items, # > 1)`,
			check: func(t *testing.T, got any) {
				assert.Len(t, got, 2)
			},
		},
		{
			name:       "map",
			expression: `map(vars.items, # * 2)`,
			check: func(t *testing.T, got any) {
				assert.Len(t, got, 3)
			},
		},
		{
			name:       "range",
			expression: `1..3`,
			check: func(t *testing.T, got any) {
				assert.Len(t, got, 3)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(context.Background(), tt.expression, engineData())
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestExprEngine_CompileError(t *testing.T) {
	engine := NewExprEngine()

	_, err := engine.Evaluate(context.Background(), `vars.items |`, engineData())
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestEngineData_NilSafe(t *testing.T) {
	data := EngineData(&Scope{})
	require.NotNil(t, data["steps"])
	require.NotNil(t, data["vars"])
}
