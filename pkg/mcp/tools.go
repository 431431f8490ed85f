package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/conduit/internal/scheduler"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/pkg/schema"
)

// handleRegister validates and stores a workflow definition.
func (s *ConduitServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal the definition to get a proper WorkflowDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	stored, regErr := s.orchestrator.RegisterWorkflow(ctx, &def)
	if regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registration failed: %v", regErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": stored.ID,
		"version":     stored.Version,
	})
}

// handleRun starts an execution of a registered workflow.
func (s *ConduitServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	version := req.GetInt("version", 0)
	input := mcp.ParseStringMap(req, "input", nil)
	wait := req.GetBool("wait", false)

	if wait {
		def, defErr := s.orchestrator.GetWorkflow(ctx, workflowID, version)
		if defErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", defErr)), nil
		}
		rec, runErr := s.orchestrator.Execute(ctx, def, input)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution failed to start: %v", runErr)), nil
		}
		return marshalResult(rec)
	}

	executionID, startErr := s.orchestrator.StartExecution(ctx, workflowID, version, input)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed to start: %v", startErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"status":       schema.ExecutionStatusRunning,
	})
}

// handleStatus returns the persisted record of an execution.
func (s *ConduitServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	rec, getErr := s.orchestrator.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(rec)
}

// handleCancel stops a running execution.
func (s *ConduitServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.orchestrator.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"status":       schema.ExecutionStatusCancelled,
	})
}

// handleDelete removes all versions of a registered workflow.
func (s *ConduitServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if delErr := s.orchestrator.DeleteWorkflow(ctx, workflowID); delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
	})
}

// handleSchedule adds, removes, or lists cron schedules.
func (s *ConduitServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is not enabled"), nil
	}

	switch action {
	case "add":
		workflowID := req.GetString("workflow_id", "")
		cronExpr := req.GetString("cron", "")
		if workflowID == "" || cronExpr == "" {
			return mcp.NewToolResultError("add requires workflow_id and cron"), nil
		}
		sched, addErr := s.scheduler.Add(&scheduler.Schedule{
			WorkflowID:      workflowID,
			WorkflowVersion: req.GetInt("version", 0),
			CronExpression:  cronExpr,
			Input:           mcp.ParseStringMap(req, "input", nil),
		})
		if addErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule add failed: %v", addErr)), nil
		}
		return marshalResult(sched)
	case "remove":
		scheduleID := req.GetString("schedule_id", "")
		if scheduleID == "" {
			return mcp.NewToolResultError("remove requires schedule_id"), nil
		}
		if rmErr := s.scheduler.Remove(scheduleID); rmErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schedule remove failed: %v", rmErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "schedule_id": scheduleID})
	case "list":
		return marshalResult(map[string]any{"schedules": s.scheduler.List()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleQuery lists workflows, executions, or events based on filters.
func (s *ConduitServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ConduitServer) queryWorkflows(ctx context.Context) (*mcp.CallToolResult, error) {
	workflows, err := s.orchestrator.ListWorkflows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *ConduitServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ef.Status = schema.ExecutionStatus(status)
	}

	executions, err := s.orchestrator.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *ConduitServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, ok := filter["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}

	events, err := s.orchestrator.Events(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
