package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/scheduler"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/tools"
	"github.com/rendis/conduit/pkg/schema"
)

// --- Helpers ---

func newTestServer(t *testing.T) (*ConduitServer, *engine.Orchestrator) {
	t.Helper()

	st := store.NewMemoryStore()
	executor, err := engine.NewExecutor(engine.ExecutorConfig{})
	require.NoError(t, err)
	require.NoError(t, executor.Tools().Register(tools.Func{
		ToolName: "echo",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}))

	orch, err := engine.New(engine.Config{Definitions: st, History: st, Executor: executor})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	s := NewConduitServer(ConduitServerDeps{
		Orchestrator: orch,
		Scheduler:    scheduler.New(orch, nil),
	})
	return s, orch
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// decodeResult unmarshals the JSON text payload of a successful tool result.
func decodeResult(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), out))
}

func echoDefinition(id string) map[string]any {
	return map[string]any{
		"id": id,
		"steps": []any{
			map[string]any{
				"id":   "say",
				"type": "tool_call",
				"config": map[string]any{
					"tool":      "echo",
					"arguments": map[string]any{"msg": "hello"},
				},
			},
		},
	}
}

func registerEcho(t *testing.T, s *ConduitServer, id string) {
	t.Helper()
	result, err := s.handleRegister(context.Background(), buildRequest("conduit.register", map[string]any{
		"definition": echoDefinition(id),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

// --- Register ---

func TestRegisterTool(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleRegister(context.Background(), buildRequest("conduit.register", map[string]any{
		"definition": echoDefinition("greeter"),
	}))
	require.NoError(t, err)

	var out struct {
		WorkflowID string `json:"workflow_id"`
		Version    int    `json:"version"`
	}
	decodeResult(t, result, &out)
	assert.Equal(t, "greeter", out.WorkflowID)
	assert.Equal(t, 1, out.Version)

	// Registering again bumps the version.
	result, err = s.handleRegister(context.Background(), buildRequest("conduit.register", map[string]any{
		"definition": echoDefinition("greeter"),
	}))
	require.NoError(t, err)
	decodeResult(t, result, &out)
	assert.Equal(t, 2, out.Version)
}

func TestRegisterToolRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	// Missing definition.
	result, err := s.handleRegister(context.Background(), buildRequest("conduit.register", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Definition with no steps.
	result, err = s.handleRegister(context.Background(), buildRequest("conduit.register", map[string]any{
		"definition": map[string]any{"id": "empty"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Cyclic definition.
	result, err = s.handleRegister(context.Background(), buildRequest("conduit.register", map[string]any{
		"definition": map[string]any{
			"id": "cyclic",
			"steps": []any{
				map[string]any{"id": "a", "type": "delay", "config": map[string]any{"duration": "1ms"}, "depends_on": []any{"b"}},
				map[string]any{"id": "b", "type": "delay", "config": map[string]any{"duration": "1ms"}, "depends_on": []any{"a"}},
			},
		},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Run ---

func TestRunToolWait(t *testing.T) {
	s, _ := newTestServer(t)
	registerEcho(t, s, "greeter")

	result, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{
		"workflow_id": "greeter",
		"wait":        true,
	}))
	require.NoError(t, err)

	var rec store.ExecutionRecord
	decodeResult(t, result, &rec)
	assert.Equal(t, schema.ExecutionStatusSucceeded, rec.Status)
	assert.Equal(t, "greeter", rec.WorkflowID)
	require.Contains(t, rec.Steps, "say")
}

func TestRunToolAsync(t *testing.T) {
	s, orch := newTestServer(t)
	registerEcho(t, s, "greeter")

	result, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{
		"workflow_id": "greeter",
	}))
	require.NoError(t, err)

	var out struct {
		ExecutionID string `json:"execution_id"`
		WorkflowID  string `json:"workflow_id"`
	}
	decodeResult(t, result, &out)
	require.NotEmpty(t, out.ExecutionID)
	assert.Equal(t, "greeter", out.WorkflowID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, getErr := orch.GetExecution(context.Background(), out.ExecutionID)
		require.NoError(t, getErr)
		if rec.Status.Terminal() {
			assert.Equal(t, schema.ExecutionStatusSucceeded, rec.Status)
			break
		}
		require.True(t, time.Now().Before(deadline), "execution never finished")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunToolMissingParams(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{
		"workflow_id": "nonexistent",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Status / Cancel ---

func TestStatusTool(t *testing.T) {
	s, _ := newTestServer(t)
	registerEcho(t, s, "greeter")

	runResult, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{
		"workflow_id": "greeter",
		"wait":        true,
	}))
	require.NoError(t, err)
	var rec store.ExecutionRecord
	decodeResult(t, runResult, &rec)

	result, err := s.handleStatus(context.Background(), buildRequest("conduit.status", map[string]any{
		"execution_id": rec.ID,
	}))
	require.NoError(t, err)

	var got store.ExecutionRecord
	decodeResult(t, result, &got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, schema.ExecutionStatusSucceeded, got.Status)
}

func TestStatusToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleStatus(context.Background(), buildRequest("conduit.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), buildRequest("conduit.status", map[string]any{
		"execution_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleCancel(context.Background(), buildRequest("conduit.cancel", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Finished or unknown executions cannot be cancelled.
	result, err = s.handleCancel(context.Background(), buildRequest("conduit.cancel", map[string]any{
		"execution_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Delete ---

func TestDeleteTool(t *testing.T) {
	s, orch := newTestServer(t)
	registerEcho(t, s, "ephemeral")

	result, err := s.handleDelete(context.Background(), buildRequest("conduit.delete", map[string]any{
		"workflow_id": "ephemeral",
	}))
	require.NoError(t, err)

	var out struct {
		OK         bool   `json:"ok"`
		WorkflowID string `json:"workflow_id"`
	}
	decodeResult(t, result, &out)
	assert.True(t, out.OK)
	assert.Equal(t, "ephemeral", out.WorkflowID)

	_, err = orch.GetWorkflow(context.Background(), "ephemeral", 0)
	require.Error(t, err)
}

func TestDeleteToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleDelete(context.Background(), buildRequest("conduit.delete", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDelete(context.Background(), buildRequest("conduit.delete", map[string]any{
		"workflow_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Schedule ---

func TestScheduleTool(t *testing.T) {
	s, _ := newTestServer(t)
	registerEcho(t, s, "nightly")

	result, err := s.handleSchedule(context.Background(), buildRequest("conduit.schedule", map[string]any{
		"action":      "add",
		"workflow_id": "nightly",
		"cron":        "0 2 * * *",
	}))
	require.NoError(t, err)

	var sched scheduler.Schedule
	decodeResult(t, result, &sched)
	require.NotEmpty(t, sched.ID)
	assert.Equal(t, "nightly", sched.WorkflowID)
	assert.NotNil(t, sched.NextRunAt)

	result, err = s.handleSchedule(context.Background(), buildRequest("conduit.schedule", map[string]any{
		"action": "list",
	}))
	require.NoError(t, err)
	var listed struct {
		Schedules []*scheduler.Schedule `json:"schedules"`
	}
	decodeResult(t, result, &listed)
	require.Len(t, listed.Schedules, 1)

	result, err = s.handleSchedule(context.Background(), buildRequest("conduit.schedule", map[string]any{
		"action":      "remove",
		"schedule_id": sched.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestScheduleToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing action", map[string]any{}},
		{"unknown action", map[string]any{"action": "pause"}},
		{"add without cron", map[string]any{"action": "add", "workflow_id": "wf"}},
		{"add without workflow", map[string]any{"action": "add", "cron": "* * * * *"}},
		{"add with bad cron", map[string]any{"action": "add", "workflow_id": "wf", "cron": "whenever"}},
		{"remove without id", map[string]any{"action": "remove"}},
		{"remove unknown id", map[string]any{"action": "remove", "schedule_id": "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleSchedule(context.Background(), buildRequest("conduit.schedule", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestScheduleToolWithoutScheduler(t *testing.T) {
	s := NewConduitServer(ConduitServerDeps{})

	result, err := s.handleSchedule(context.Background(), buildRequest("conduit.schedule", map[string]any{
		"action": "list",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Query ---

func TestQueryWorkflows(t *testing.T) {
	s, _ := newTestServer(t)
	registerEcho(t, s, "beta")
	registerEcho(t, s, "alpha")

	result, err := s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)

	var out struct {
		Workflows []*schema.WorkflowDefinition `json:"workflows"`
	}
	decodeResult(t, result, &out)
	require.Len(t, out.Workflows, 2)
	assert.Equal(t, "alpha", out.Workflows[0].ID)
}

func TestQueryExecutions(t *testing.T) {
	s, _ := newTestServer(t)
	registerEcho(t, s, "greeter")

	for i := 0; i < 2; i++ {
		result, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{
			"workflow_id": "greeter",
			"wait":        true,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
	}

	result, err := s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "greeter", "status": "succeeded"},
	}))
	require.NoError(t, err)

	var out struct {
		Executions []*store.ExecutionRecord `json:"executions"`
	}
	decodeResult(t, result, &out)
	assert.Len(t, out.Executions, 2)

	result, err = s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"limit": float64(1)},
	}))
	require.NoError(t, err)
	decodeResult(t, result, &out)
	assert.Len(t, out.Executions, 1)
}

func TestQueryEvents(t *testing.T) {
	s, _ := newTestServer(t)
	registerEcho(t, s, "greeter")

	runResult, err := s.handleRun(context.Background(), buildRequest("conduit.run", map[string]any{
		"workflow_id": "greeter",
		"wait":        true,
	}))
	require.NoError(t, err)
	var rec store.ExecutionRecord
	decodeResult(t, runResult, &rec)

	result, err := s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": rec.ID},
	}))
	require.NoError(t, err)

	var out struct {
		Events []*store.Event `json:"events"`
	}
	decodeResult(t, result, &out)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, schema.EventExecutionStarted, out.Events[0].Type)

	// Events require an execution_id filter.
	result, err = s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{
		"resource": "users",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleQuery(context.Background(), buildRequest("conduit.query", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 50, extractInt(nil, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{}, "limit", 50))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": float64(10)}, "limit", 50))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": 10}, "limit", 50))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": "10"}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": "ten"}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": true}, "limit", 50))
}
