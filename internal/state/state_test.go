package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

func TestRunState_Lifecycle(t *testing.T) {
	st := New(map[string]any{"region": "eu"})

	st.MarkRunning("a", 1)
	r := st.Result("a")
	require.NotNil(t, r)
	assert.Equal(t, schema.StepStatusRunning, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.NotNil(t, r.StartedAt)

	st.Complete("a", schema.StepStatusSucceeded, map[string]any{"ok": true}, 1, nil)
	r = st.Result("a")
	assert.Equal(t, schema.StepStatusSucceeded, r.Status)
	assert.NotNil(t, r.CompletedAt)
	assert.GreaterOrEqual(t, r.DurationMs, int64(0))
}

func TestRunState_RetryKeepsStartTimestamp(t *testing.T) {
	st := New(nil)

	st.MarkRunning("a", 1)
	started := st.Result("a").StartedAt

	st.MarkRetrying("a", 1)
	assert.Equal(t, schema.StepStatusRetrying, st.Result("a").Status)

	st.MarkRunning("a", 2)
	r := st.Result("a")
	assert.Equal(t, schema.StepStatusRunning, r.Status)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, started, r.StartedAt)
}

func TestRunState_CompleteAttempts(t *testing.T) {
	st := New(nil)
	st.MarkRunning("a", 3)

	// attempts <= 0 keeps the recorded count.
	st.Complete("a", schema.StepStatusFailed, nil, 0, schema.NewError(schema.ErrCodeStepExecution, "boom"))
	assert.Equal(t, 3, st.Result("a").Attempts)

	st.MarkRunning("b", 1)
	st.Complete("b", schema.StepStatusSucceeded, nil, 2, nil)
	assert.Equal(t, 2, st.Result("b").Attempts)
}

func TestRunState_Skip(t *testing.T) {
	st := New(nil)
	st.Skip("gated")

	r := st.Result("gated")
	require.NotNil(t, r)
	assert.Equal(t, schema.StepStatusSkipped, r.Status)
	assert.Nil(t, r.Output)
	assert.Nil(t, r.StartedAt)
	assert.NotNil(t, r.CompletedAt)
}

func TestRunState_Statuses(t *testing.T) {
	st := New(nil)
	st.MarkRunning("a", 1)
	st.Complete("a", schema.StepStatusSucceeded, nil, 1, nil)
	st.MarkRunning("b", 1)

	statuses := st.Statuses()
	assert.Equal(t, schema.StepStatusSucceeded, statuses["a"])
	assert.Equal(t, schema.StepStatusRunning, statuses["b"])
	_, present := statuses["never-attempted"]
	assert.False(t, present)
}

func TestRunState_ScopeOnlySucceededOutputs(t *testing.T) {
	st := New(map[string]any{"input": "x"})
	st.MarkRunning("ok", 1)
	st.Complete("ok", schema.StepStatusSucceeded, map[string]any{"n": 1}, 1, nil)
	st.MarkRunning("bad", 1)
	st.Complete("bad", schema.StepStatusFailed, map[string]any{"partial": true}, 1, schema.NewError(schema.ErrCodeStepExecution, "boom"))
	st.Skip("skipped")

	scope := st.Scope()
	assert.Contains(t, scope.Steps, "ok")
	assert.NotContains(t, scope.Steps, "bad")
	assert.NotContains(t, scope.Steps, "skipped")
	assert.Equal(t, "x", scope.Vars["input"])
}

func TestRunState_ScopeIsACopy(t *testing.T) {
	st := New(map[string]any{"input": "x"})
	scope := st.Scope()
	scope.Vars["input"] = "mutated"
	scope.Steps["fake"] = true

	fresh := st.Scope()
	assert.Equal(t, "x", fresh.Vars["input"])
	assert.NotContains(t, fresh.Steps, "fake")
}

func TestRunState_SnapshotIsolation(t *testing.T) {
	st := New(nil)
	st.MarkRunning("a", 1)
	st.Complete("a", schema.StepStatusSucceeded, "out", 1, nil)

	snap := st.Snapshot()
	snap["a"].Status = schema.StepStatusFailed

	assert.Equal(t, schema.StepStatusSucceeded, st.Result("a").Status)
}

func TestRunState_ConcurrentAccess(t *testing.T) {
	st := New(map[string]any{"seed": 1})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			st.MarkRunning(id, 1)
			_ = st.Scope()
			_ = st.Statuses()
			st.Complete(id, schema.StepStatusSucceeded, n, 1, nil)
			_ = st.Snapshot()
		}(i)
	}
	wg.Wait()

	assert.Len(t, st.Statuses(), 8)
}
