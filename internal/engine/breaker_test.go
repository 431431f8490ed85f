package engine

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

func TestBreakerGroup_PassesThroughSuccess(t *testing.T) {
	g := NewBreakerGroup(nil)

	out, err := g.Execute("http.request", func() (any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, gobreaker.StateClosed, g.State("http.request"))
}

func TestBreakerGroup_PassesThroughToolError(t *testing.T) {
	g := NewBreakerGroup(nil)
	toolErr := errors.New("backend 500")

	_, err := g.Execute("flaky", func() (any, error) { return nil, toolErr })
	assert.ErrorIs(t, err, toolErr)
}

func TestBreakerGroup_OpensAfterConsecutiveFailures(t *testing.T) {
	g := NewBreakerGroup(nil)
	boom := errors.New("dead backend")

	for i := 0; i < int(defaultBreakerMaxFailures); i++ {
		_, err := g.Execute("dead", func() (any, error) { return nil, boom })
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State("dead"))

	// Open circuit fails fast with a retryable TOOL_UNAVAILABLE.
	called := false
	_, err := g.Execute("dead", func() (any, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, called, "open circuit must not invoke the tool")

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeToolUnavailable, engErr.Code)
	assert.True(t, engErr.IsRetryable())
}

func TestBreakerGroup_IsolatesTools(t *testing.T) {
	g := NewBreakerGroup(nil)
	boom := errors.New("boom")

	for i := 0; i < int(defaultBreakerMaxFailures); i++ {
		_, _ = g.Execute("bad", func() (any, error) { return nil, boom })
	}
	require.Equal(t, gobreaker.StateOpen, g.State("bad"))

	// A different tool keeps its own closed circuit.
	out, err := g.Execute("good", func() (any, error) { return "fine", nil })
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
	assert.Equal(t, gobreaker.StateClosed, g.State("good"))
}

func TestBreakerGroup_SuccessResetsFailureCount(t *testing.T) {
	g := NewBreakerGroup(nil)
	boom := errors.New("boom")

	for i := 0; i < int(defaultBreakerMaxFailures)-1; i++ {
		_, _ = g.Execute("wobbly", func() (any, error) { return nil, boom })
	}
	_, err := g.Execute("wobbly", func() (any, error) { return "recovered", nil })
	require.NoError(t, err)

	// The consecutive counter reset; more failures are needed to trip.
	_, _ = g.Execute("wobbly", func() (any, error) { return nil, boom })
	assert.Equal(t, gobreaker.StateClosed, g.State("wobbly"))
}
