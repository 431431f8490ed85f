package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/pkg/schema"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRunner) StartExecution(ctx context.Context, workflowID string, version int, input map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workflowID)
	if f.err != nil {
		return "", f.err
	}
	return "exec-" + workflowID, nil
}

func (f *fakeRunner) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestScheduler_Add(t *testing.T) {
	s := New(&fakeRunner{}, nil)

	sched, err := s.Add(&Schedule{WorkflowID: "nightly", CronExpression: "0 2 * * *"})
	require.NoError(t, err)

	assert.NotEmpty(t, sched.ID)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(time.Now().UTC().Add(-time.Minute)))
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New(&fakeRunner{}, nil)

	_, err := s.Add(nil)
	assert.Error(t, err)

	_, err = s.Add(&Schedule{CronExpression: "* * * * *"})
	assert.Error(t, err)

	_, err = s.Add(&Schedule{WorkflowID: "wf", CronExpression: "not cron"})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)

	// Six-field expressions (with seconds) are rejected; only the standard
	// five-field form is accepted.
	_, err = s.Add(&Schedule{WorkflowID: "wf", CronExpression: "0 0 2 * * *"})
	assert.Error(t, err)
}

func TestScheduler_AddDuplicateID(t *testing.T) {
	s := New(&fakeRunner{}, nil)

	_, err := s.Add(&Schedule{ID: "fixed", WorkflowID: "wf", CronExpression: "* * * * *"})
	require.NoError(t, err)

	_, err = s.Add(&Schedule{ID: "fixed", WorkflowID: "wf", CronExpression: "* * * * *"})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
}

func TestScheduler_RemoveAndList(t *testing.T) {
	s := New(&fakeRunner{}, nil)

	_, err := s.Add(&Schedule{ID: "b", WorkflowID: "wf", CronExpression: "* * * * *"})
	require.NoError(t, err)
	_, err = s.Add(&Schedule{ID: "a", WorkflowID: "wf", CronExpression: "* * * * *"})
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	require.NoError(t, s.Remove("a"))
	assert.Len(t, s.List(), 1)

	err = s.Remove("a")
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestScheduler_CalculateNextRun(t *testing.T) {
	s := New(&fakeRunner{}, nil)
	from := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

	next, err := s.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("15 2 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 2, 15, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Minute), next)

	_, err = s.CalculateNextRun("bogus", from)
	assert.Error(t, err)
}

func TestScheduler_DueSelection(t *testing.T) {
	s := New(&fakeRunner{}, nil)
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	s.schedules["overdue"] = &Schedule{ID: "overdue", WorkflowID: "wf", Enabled: true, NextRunAt: &past}
	s.schedules["later"] = &Schedule{ID: "later", WorkflowID: "wf", Enabled: true, NextRunAt: &future}
	s.schedules["disabled"] = &Schedule{ID: "disabled", WorkflowID: "wf", Enabled: false, NextRunAt: &past}
	s.schedules["unset"] = &Schedule{ID: "unset", WorkflowID: "wf", Enabled: true}

	due := s.due(now)
	require.Len(t, due, 2)
	assert.Equal(t, "overdue", due[0].ID)
	assert.Equal(t, "unset", due[1].ID)
}

func TestScheduler_TickRunsDueSchedules(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	s.schedules["s1"] = &Schedule{
		ID:             "s1",
		WorkflowID:     "nightly",
		CronExpression: "0 2 * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}

	s.tick(context.Background())

	assert.Equal(t, []string{"nightly"}, runner.started())

	sched := s.schedules["s1"]
	require.NotNil(t, sched.LastRunAt)
	assert.Equal(t, "success", sched.LastRunStatus)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(now))

	// Not due anymore; a second tick does nothing.
	s.tick(context.Background())
	assert.Len(t, runner.started(), 1)
}

func TestScheduler_TickRecordsLaunchFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("workflow not found")}
	s := New(runner, nil)
	past := time.Now().UTC().Add(-time.Minute)

	s.schedules["s1"] = &Schedule{
		ID:             "s1",
		WorkflowID:     "ghost",
		CronExpression: "* * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}

	s.tick(context.Background())

	sched := s.schedules["s1"]
	assert.Equal(t, "error", sched.LastRunStatus)
	// The schedule still advances so one bad launch cannot wedge it.
	assert.True(t, sched.NextRunAt.After(past))
}

func TestScheduler_InFlightDedup(t *testing.T) {
	s := New(&fakeRunner{}, nil)

	require.True(t, s.tryAcquire("s1"))
	assert.False(t, s.tryAcquire("s1"))
	assert.True(t, s.tryAcquire("s2"))

	s.release("s1")
	assert.True(t, s.tryAcquire("s1"))
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(&fakeRunner{}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	require.NoError(t, s.Stop())
	// Stop after stop is a no-op.
	require.NoError(t, s.Stop())

	// The scheduler can be started again after a clean stop.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
