package state

import (
	"sync"
	"time"

	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/pkg/schema"
)

// RunState tracks the mutable state of one workflow execution: step results
// keyed by step ID plus the variable bindings seeded from the execution
// input. All methods are safe for concurrent use; the scheduling loop and the
// worker goroutines share one RunState per execution.
type RunState struct {
	mu      sync.RWMutex
	vars    map[string]any
	results map[string]*schema.StepResult
}

// New creates a RunState seeded with the given variable bindings.
func New(vars map[string]any) *RunState {
	if vars == nil {
		vars = map[string]any{}
	}
	return &RunState{
		vars:    vars,
		results: make(map[string]*schema.StepResult),
	}
}

// MarkRunning records that a step started its first (or a later) attempt.
// The start timestamp is set once on the first attempt.
func (s *RunState) MarkRunning(stepID string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[stepID]
	if !ok {
		now := time.Now().UTC()
		r = &schema.StepResult{StepID: stepID, StartedAt: &now}
		s.results[stepID] = r
	}
	r.Status = schema.StepStatusRunning
	r.Attempts = attempt
}

// MarkRetrying flags a step as waiting for its next attempt.
func (s *RunState) MarkRetrying(stepID string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.results[stepID]; ok {
		r.Status = schema.StepStatusRetrying
		r.Attempts = attempt
	}
}

// Complete records the terminal outcome of a step. For succeeded steps the
// output becomes visible to dependents through Scope. attempts <= 0 keeps
// the count already recorded.
func (s *RunState) Complete(stepID string, status schema.StepStatus, output any, attempts int, stepErr *schema.EngineError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[stepID]
	if !ok {
		r = &schema.StepResult{StepID: stepID}
		s.results[stepID] = r
	}
	now := time.Now().UTC()
	r.Status = status
	r.Output = output
	r.Error = stepErr
	if attempts > 0 {
		r.Attempts = attempts
	}
	r.CompletedAt = &now
	if r.StartedAt != nil {
		r.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
	}
}

// Skip marks a step skipped without running it. Skipped steps carry no
// output and never held a start timestamp.
func (s *RunState) Skip(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.results[stepID] = &schema.StepResult{
		StepID:      stepID,
		Status:      schema.StepStatusSkipped,
		CompletedAt: &now,
	}
}

// Result returns the recorded result for a step, or nil.
func (s *RunState) Result(stepID string) *schema.StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[stepID]
}

// Statuses returns the current status of every attempted step. Steps never
// attempted are absent; callers treat absence as pending.
func (s *RunState) Statuses() map[string]schema.StepStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]schema.StepStatus, len(s.results))
	for id, r := range s.results {
		out[id] = r.Status
	}
	return out
}

// Scope builds the resolution scope for a step about to run: outputs of all
// succeeded steps plus the seeded variables. The maps are copies so the
// caller can layer loop variables on top without racing the run.
func (s *RunState) Scope() *expressions.Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make(map[string]any, len(s.results))
	for id, r := range s.results {
		if r.Status == schema.StepStatusSucceeded {
			steps[id] = r.Output
		}
	}
	vars := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	return &expressions.Scope{Steps: steps, Vars: vars}
}

// Vars returns a copy of the variable bindings.
func (s *RunState) Vars() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of all step results for persistence and status
// reporting. Result structs are shallow-copied; outputs are treated as
// immutable once recorded.
func (s *RunState) Snapshot() map[string]*schema.StepResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*schema.StepResult, len(s.results))
	for id, r := range s.results {
		cp := *r
		out[id] = &cp
	}
	return out
}
