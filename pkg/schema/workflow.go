package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow format. Definitions
// are validated at registration time and immutable afterwards; changing a
// registered workflow produces a new version.
type WorkflowDefinition struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Version           int              `json:"version,omitempty"`
	Steps             []StepDefinition `json:"steps"`
	EntryPoint        string           `json:"entry_point,omitempty"`
	Timeout           string           `json:"timeout,omitempty"` // workflow-level deadline (e.g. "5m")
	ParallelExecution bool             `json:"parallel_execution,omitempty"`
	MaxInFlight       int              `json:"max_in_flight,omitempty"` // 0 = engine default
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID              string           `json:"id"`
	Name            string           `json:"name,omitempty"`
	Type            StepType         `json:"type"`
	Config          json.RawMessage  `json:"config,omitempty"`     // type-specific config block
	DependsOn       []string         `json:"depends_on,omitempty"` // step IDs that must be terminal first
	Retry           *RetryPolicy     `json:"retry,omitempty"`
	Timeout         string           `json:"timeout,omitempty"`           // step-level timeout (e.g. "30s")
	ContinueOnError bool             `json:"continue_on_error,omitempty"` // a failed dependency still satisfies this step
	When            *BranchCondition `json:"when,omitempty"`              // branch gate on a condition step's boolean output
}

// BranchCondition gates a step on the boolean output of a condition step it
// depends on. When the output does not match Is, the step is skipped.
type BranchCondition struct {
	Step string `json:"step"`
	Is   bool   `json:"is"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeToolCall    StepType = "tool_call"
	StepTypeCondition   StepType = "condition"
	StepTypeParallel    StepType = "parallel"
	StepTypeLoop        StepType = "loop"
	StepTypeDelay       StepType = "delay"
	StepTypeHTTPRequest StepType = "http_request"
)

// RetryPolicy configures retry behavior for tool_call and http_request steps.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`        // total attempts, including the first
	Backoff     string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty"`     // base delay (e.g. "1s", "500ms")
	MaxDelay    string `json:"max_delay,omitempty"` // cap for computed delays
}

// ToolCallConfig is the config block for tool_call steps. Argument values may
// contain $step.path / $variable references resolved at execution time.
type ToolCallConfig struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ConditionConfig is the config block for condition steps. Either an operator
// with two operands, or a CEL expression. Output is always a boolean.
type ConditionConfig struct {
	Operator   string `json:"operator,omitempty"`
	Left       any    `json:"left,omitempty"`
	Right      any    `json:"right,omitempty"`
	Expression string `json:"expression,omitempty"` // CEL, evaluated against steps/inputs
}

// ParallelConfig is the config block for parallel steps. Children may declare
// depends_on edges among themselves; independent children run concurrently.
type ParallelConfig struct {
	Children        []StepDefinition `json:"children"`
	ContinueOnError bool             `json:"continue_on_error,omitempty"`
	MaxConcurrent   int              `json:"max_concurrent,omitempty"` // fan-out bound (0 = unbounded)
}

// LoopConfig is the config block for loop steps.
type LoopConfig struct {
	Over          any              `json:"over"`                     // $reference, expression string, or literal list
	ItemVar       string           `json:"item_var,omitempty"`       // loop variable name (default "item")
	Mode          string           `json:"mode,omitempty"`           // sequential | concurrent (default sequential)
	MaxConcurrent int              `json:"max_concurrent,omitempty"` // concurrent mode fan-out bound (0 = unbounded)
	Body          []StepDefinition `json:"body"`
}

// DelayConfig is the config block for delay steps.
type DelayConfig struct {
	Duration string `json:"duration"` // resolvable, e.g. "10s" or "$config.pause"
}

// HTTPRequestConfig is the config block for http_request steps. All fields
// are resolved through the expression resolver before the call is made.
type HTTPRequestConfig struct {
	Method            string            `json:"method,omitempty"` // default GET
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              any               `json:"body,omitempty"`
	FailOnErrorStatus bool              `json:"fail_on_error_status,omitempty"`
}

// StepResult is the recorded outcome of one step within an execution.
type StepResult struct {
	StepID      string       `json:"step_id"`
	Status      StepStatus   `json:"status"`
	Output      any          `json:"output,omitempty"`
	Error       *EngineError `json:"error,omitempty"`
	Attempts    int          `json:"attempts,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	DurationMs  int64        `json:"duration_ms,omitempty"`
}
