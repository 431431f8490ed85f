package store

import (
	"context"
	"time"

	"github.com/rendis/conduit/pkg/schema"
)

// ExecutionRecord is the persisted state of one workflow execution.
type ExecutionRecord struct {
	ID              string                        `json:"id"`
	WorkflowID      string                        `json:"workflow_id"`
	WorkflowVersion int                           `json:"workflow_version"`
	Status          schema.ExecutionStatus        `json:"status"`
	Input           map[string]any                `json:"input,omitempty"`
	Steps           map[string]*schema.StepResult `json:"steps,omitempty"`
	FirstFailedStep string                        `json:"first_failed_step,omitempty"`
	Error           *schema.EngineError           `json:"error,omitempty"`
	StartedAt       *time.Time                    `json:"started_at,omitempty"`
	CompletedAt     *time.Time                    `json:"completed_at,omitempty"`
}

// Event is one entry in an execution's append-only history log.
type Event struct {
	ID          int64          `json:"id,omitempty"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ExecutionFilter narrows ListExecutions results. Zero values match all.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Limit      int
}

// DefinitionStore persists registered workflow definitions. Definitions are
// versioned: registering under an existing ID creates the next version.
type DefinitionStore interface {
	// PutDefinition stores a definition and returns the assigned version.
	PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) (int, error)
	// GetDefinition fetches a specific version. version <= 0 means latest.
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	// ListDefinitions returns the latest version of every registered workflow.
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	// DeleteDefinition removes all versions of a workflow.
	DeleteDefinition(ctx context.Context, id string) error
}

// HistoryStore persists execution records and their event logs.
type HistoryStore interface {
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string) ([]*Event, error)
}

// Store combines both persistence surfaces.
type Store interface {
	DefinitionStore
	HistoryStore
	Close() error
}
