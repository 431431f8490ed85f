package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/internal/graph"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/tools"
	"github.com/rendis/conduit/pkg/schema"
)

// Executor runs individual steps. It is stateless across executions; all
// per-execution state travels through ExecEnv and the resolution scope.
type Executor struct {
	tools     *tools.Registry
	http      *tools.HTTPClient
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	operators *OperatorRegistry
	breakers  *BreakerGroup
	logger    *slog.Logger
}

// ExecutorConfig carries the collaborators an Executor needs.
type ExecutorConfig struct {
	Tools     *tools.Registry
	HTTP      *tools.HTTPClient
	CEL       *expressions.CELEngine
	Expr      *expressions.ExprEngine
	Operators *OperatorRegistry
	Logger    *slog.Logger
}

// NewExecutor creates an Executor, defaulting any missing collaborator.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = tools.NewHTTPClient(tools.HTTPClientConfig{})
	}
	if cfg.CEL == nil {
		celEngine, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		cfg.CEL = celEngine
	}
	if cfg.Expr == nil {
		cfg.Expr = expressions.NewExprEngine()
	}
	if cfg.Operators == nil {
		cfg.Operators = NewOperatorRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		tools:     cfg.Tools,
		http:      cfg.HTTP,
		cel:       cfg.CEL,
		expr:      cfg.Expr,
		operators: cfg.Operators,
		breakers:  NewBreakerGroup(cfg.Logger),
		logger:    cfg.Logger,
	}, nil
}

// Tools exposes the registry for callers that register tools after construction.
func (e *Executor) Tools() *tools.Registry { return e.tools }

// Operators exposes the operator registry.
func (e *Executor) Operators() *OperatorRegistry { return e.operators }

// ExecEnv identifies the execution a step runs within and carries the event
// sink. Event emission is best-effort; a failing sink never fails a step.
type ExecEnv struct {
	ExecutionID string
	Appender    EventAppender
	Logger      *slog.Logger
}

func (ec *ExecEnv) emit(ctx context.Context, stepID, eventType string, payload map[string]any) {
	if ec == nil || ec.Appender == nil {
		return
	}
	event := &store.Event{
		ExecutionID: ec.ExecutionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := ec.Appender.AppendEvent(ctx, event); err != nil && ec.Logger != nil {
		ec.Logger.Warn("append event failed", "event", eventType, "step_id", stepID, "error", err)
	}
}

// RunAttempts executes a step honoring its timeout and retry policy. It
// returns the output, the number of attempts consumed, and the terminal
// error if all attempts failed. onRetry, if non-nil, is called with the next
// attempt number before each retry wait.
func (e *Executor) RunAttempts(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, scope *expressions.Scope, onRetry func(attempt int)) (any, int, error) {
	attempts := 1
	if retryable(step.Type) {
		attempts = maxAttempts(step.Retry)
	}

	var lastErr error
	var lastOut any
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := e.runOnce(ctx, ec, step, scope)
		if err == nil {
			return out, attempt, nil
		}
		// Composite steps hand back a partial aggregate alongside the error.
		lastOut = out
		lastErr = classifyError(ctx, step, err)

		if ctx.Err() != nil {
			return lastOut, attempt, lastErr
		}
		if attempt == attempts || !IsRetryableError(lastErr) {
			if attempt > 1 {
				lastErr = wrapRetryExhausted(step.ID, attempt, lastErr)
			}
			return lastOut, attempt, lastErr
		}

		// When the orchestrator supplies a hook the step FSM emits the
		// retrying event; nested children emit it directly.
		if onRetry != nil {
			onRetry(attempt + 1)
		} else {
			ec.emit(ctx, step.ID, schema.EventStepRetrying, map[string]any{"attempt": attempt + 1})
		}
		if err := waitBackoff(ctx, backoffDelay(step.Retry, attempt+1)); err != nil {
			return lastOut, attempt, classifyError(ctx, step, err)
		}
	}
	return lastOut, attempts, lastErr
}

// runOnce executes a single attempt with the step timeout applied.
func (e *Executor) runOnce(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", step.Timeout).WithStep(step.ID)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch step.Type {
	case schema.StepTypeToolCall:
		return e.runToolCall(ctx, step, scope)
	case schema.StepTypeCondition:
		return e.runCondition(ctx, ec, step, scope)
	case schema.StepTypeParallel:
		return e.runParallel(ctx, ec, step, scope)
	case schema.StepTypeLoop:
		return e.runLoop(ctx, ec, step, scope)
	case schema.StepTypeDelay:
		return e.runDelay(ctx, ec, step, scope)
	case schema.StepTypeHTTPRequest:
		return e.runHTTPRequest(ctx, step, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step type: %s", step.Type).WithStep(step.ID)
	}
}

// --- tool_call ---

func (e *Executor) runToolCall(ctx context.Context, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	var cfg schema.ToolCallConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	if cfg.Tool == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool_call requires a tool name").WithStep(step.ID)
	}

	args, err := expressions.ResolveMap(cfg.Arguments, scope)
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}

	invoker, err := e.tools.Get(cfg.Tool)
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}

	out, err := e.breakers.Execute(cfg.Tool, func() (any, error) {
		return invoker.Invoke(ctx, args)
	})
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}
	return out, nil
}

// --- condition ---

func (e *Executor) runCondition(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	var cfg schema.ConditionConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}

	var result bool
	switch {
	case cfg.Expression != "":
		out, err := e.cel.Evaluate(ctx, cfg.Expression, expressions.EngineData(scope))
		if err != nil {
			return nil, attributeTo(err, step.ID)
		}
		b, ok := out.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"condition expression must yield a boolean, got %T", out).WithStep(step.ID)
		}
		result = b

	case cfg.Operator != "":
		left, err := expressions.Resolve(cfg.Left, scope)
		if err != nil {
			return nil, attributeTo(err, step.ID)
		}
		right, err := expressions.Resolve(cfg.Right, scope)
		if err != nil {
			return nil, attributeTo(err, step.ID)
		}
		result, err = e.operators.Evaluate(cfg.Operator, left, right)
		if err != nil {
			return nil, attributeTo(err, step.ID)
		}

	default:
		return nil, schema.NewError(schema.ErrCodeValidation,
			"condition requires an operator or an expression").WithStep(step.ID)
	}

	ec.emit(ctx, step.ID, schema.EventConditionEvaluated, map[string]any{"result": result})
	return result, nil
}

// --- parallel ---

func (e *Executor) runParallel(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	var cfg schema.ParallelConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}

	g, err := graph.BuildSteps(cfg.Children)
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}

	ec.emit(ctx, step.ID, schema.EventParallelStarted, map[string]any{"children": len(cfg.Children)})

	// A failing child does not halt its siblings: every branch runs to a
	// terminal state and the aggregate always carries what each one produced.
	outputs, errs := e.runSubgraph(ctx, ec, g, scope, cfg.MaxConcurrent, false)

	ec.emit(ctx, step.ID, schema.EventParallelCompleted, map[string]any{
		"succeeded": len(outputs),
		"failed":    len(errs),
	})

	aggregate := make(map[string]any, len(outputs)+1)
	for id, out := range outputs {
		aggregate[id] = out
	}
	if len(errs) > 0 {
		failed := make(map[string]any, len(errs))
		for id, childErr := range errs {
			failed[id] = childErr
		}
		aggregate["errors"] = failed
	}

	if len(errs) > 0 && !cfg.ContinueOnError {
		return aggregate, firstChildError(errs).WithStep(step.ID)
	}
	if ctx.Err() != nil {
		return aggregate, classifyError(ctx, step, ctx.Err())
	}
	return aggregate, nil
}

// --- loop ---

const defaultLoopItemVar = "item"

func (e *Executor) runLoop(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	var cfg schema.LoopConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}

	items, err := e.resolveLoopItems(ctx, step, cfg.Over, scope)
	if err != nil {
		return nil, err
	}

	body, err := graph.BuildSteps(cfg.Body)
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}

	itemVar := cfg.ItemVar
	if itemVar == "" {
		itemVar = defaultLoopItemVar
	}

	if cfg.Mode == "concurrent" {
		return e.runLoopConcurrent(ctx, ec, step, body, items, itemVar, cfg.MaxConcurrent, scope)
	}
	return e.runLoopSequential(ctx, ec, step, body, items, itemVar, scope)
}

func (e *Executor) resolveLoopItems(ctx context.Context, step *schema.StepDefinition, over any, scope *expressions.Scope) ([]any, error) {
	var resolved any
	switch v := over.(type) {
	case string:
		if expressions.HasReference(v) {
			out, err := expressions.Resolve(v, scope)
			if err != nil {
				return nil, attributeTo(err, step.ID)
			}
			resolved = out
		} else {
			out, err := e.expr.Evaluate(ctx, v, expressions.EngineData(scope))
			if err != nil {
				return nil, attributeTo(err, step.ID)
			}
			resolved = out
		}
	default:
		out, err := expressions.Resolve(over, scope)
		if err != nil {
			return nil, attributeTo(err, step.ID)
		}
		resolved = out
	}

	items, ok := resolved.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"loop 'over' must yield a list, got %T", resolved).WithStep(step.ID)
	}
	return items, nil
}

func (e *Executor) runLoopSequential(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, body *graph.Graph, items []any, itemVar string, scope *expressions.Scope) (any, error) {
	results := make([]any, 0, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			return nil, classifyError(ctx, step, ctx.Err())
		}
		out, err := e.runIteration(ctx, ec, step, body, scope, itemVar, item, i)
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
	return results, nil
}

// runLoopConcurrent fans iterations out to goroutines bounded by
// maxConcurrent (0 = unbounded). Results keep collection order regardless of
// completion order. The first failure cancels the remaining iterations.
func (e *Executor) runLoopConcurrent(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, body *graph.Graph, items []any, itemVar string, maxConcurrent int, scope *expressions.Scope) (any, error) {
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}

	results := make([]any, len(items))
	iterErrs := make([]error, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		if iterCtx.Err() != nil {
			break
		}
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-iterCtx.Done():
			}
			if iterCtx.Err() != nil {
				break
			}
		}
		wg.Add(1)
		go func(i int, item any) {
			defer func() {
				if sem != nil {
					<-sem
				}
				wg.Done()
			}()
			out, err := e.runIteration(iterCtx, ec, step, body, scope, itemVar, item, i)
			if err != nil {
				iterErrs[i] = err
				cancel()
				return
			}
			results[i] = out
		}(i, item)
	}
	wg.Wait()

	for _, err := range iterErrs {
		if err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, classifyError(ctx, step, ctx.Err())
	}
	return results, nil
}

// runIteration executes one loop body pass with the item and index bound.
func (e *Executor) runIteration(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, body *graph.Graph, scope *expressions.Scope, itemVar string, item any, index int) (any, error) {
	ec.emit(ctx, step.ID, schema.EventLoopIterStarted, map[string]any{"index": index})

	iterScope := scope.WithVars(map[string]any{
		itemVar: item,
		"index": index,
	})
	outputs, errs := e.runSubgraph(ctx, ec, body, iterScope, 0, true)
	if len(errs) > 0 {
		return nil, firstChildError(errs).WithStep(step.ID).
			WithDetails(map[string]any{"index": index})
	}
	if ctx.Err() != nil {
		return nil, classifyError(ctx, step, ctx.Err())
	}

	ec.emit(ctx, step.ID, schema.EventLoopIterCompleted, map[string]any{"index": index})

	// Single-step bodies collapse to that step's output.
	if len(body.Steps) == 1 {
		for _, out := range outputs {
			return out, nil
		}
		return nil, nil
	}
	return outputs, nil
}

// --- delay ---

func (e *Executor) runDelay(ctx context.Context, ec *ExecEnv, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	var cfg schema.DelayConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}

	raw, err := expressions.ResolveToString(cfg.Duration, scope)
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid delay duration %q", raw).WithStep(step.ID)
	}

	ec.emit(ctx, step.ID, schema.EventDelayStarted, map[string]any{"duration": raw})

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, classifyError(ctx, step, ctx.Err())
	}

	ec.emit(ctx, step.ID, schema.EventDelayCompleted, map[string]any{"duration": raw})
	return map[string]any{"delayed_ms": d.Milliseconds()}, nil
}

// --- http_request ---

func (e *Executor) runHTTPRequest(ctx context.Context, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	var cfg schema.HTTPRequestConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http_request requires a url").WithStep(step.ID)
	}

	rawURL, err := expressions.ResolveToString(cfg.URL, scope)
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		resolved, err := expressions.ResolveToString(v, scope)
		if err != nil {
			return nil, attributeTo(err, step.ID)
		}
		headers[k] = resolved
	}

	body, err := expressions.Resolve(cfg.Body, scope)
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}

	out, err := e.http.Do(ctx, tools.HTTPRequest{
		Method:            cfg.Method,
		URL:               rawURL,
		Headers:           headers,
		Body:              body,
		FailOnErrorStatus: cfg.FailOnErrorStatus,
	})
	if err != nil {
		return nil, attributeTo(err, step.ID)
	}
	return out, nil
}

// --- subgraph runner ---

type subResult struct {
	id  string
	out any
	err error
}

// runSubgraph drives a nested step graph (parallel children, loop body) with
// the same ready-set scheduling the orchestrator uses for the top level.
// Sibling outputs become visible through the scope as they complete. With
// haltOnError a child failure cancels the remaining children; otherwise every
// child runs to a terminal state. Returns the outputs and errors keyed by
// child ID.
func (e *Executor) runSubgraph(ctx context.Context, ec *ExecEnv, g *graph.Graph, scope *expressions.Scope, maxConcurrent int, haltOnError bool) (map[string]any, map[string]*schema.EngineError) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	statuses := make(map[string]schema.StepStatus, len(g.Steps))
	outputs := make(map[string]any, len(g.Steps))
	errs := make(map[string]*schema.EngineError)
	results := make(chan subResult)
	inFlight := 0

	for {
		progress := false

		for _, id := range g.SkipCandidates(statuses) {
			statuses[id] = schema.StepStatusSkipped
			progress = true
		}

		for _, id := range g.Eligible(statuses) {
			if maxConcurrent > 0 && inFlight >= maxConcurrent {
				break
			}
			child := g.Steps[id]
			if skip, gated := gateSkips(child, outputs, statuses); gated && skip {
				statuses[id] = schema.StepStatusSkipped
				progress = true
				continue
			}
			statuses[id] = schema.StepStatusRunning
			inFlight++
			progress = true

			childScope := scope.WithSteps(copyOutputs(outputs))
			go func(child *schema.StepDefinition, childScope *expressions.Scope) {
				out, _, err := e.RunAttempts(subCtx, ec, child, childScope, nil)
				results <- subResult{id: child.ID, out: out, err: err}
			}(child, childScope)
		}

		if inFlight == 0 {
			if !progress {
				break
			}
			continue
		}

		res := <-results
		inFlight--
		if res.err != nil {
			statuses[res.id] = schema.StepStatusFailed
			errs[res.id] = asEngineError(res.err)
			if haltOnError {
				cancel()
			}
		} else {
			statuses[res.id] = schema.StepStatusSucceeded
			outputs[res.id] = res.out
		}
	}

	return outputs, errs
}

// gateSkips evaluates a step's when gate against completed sibling outputs.
// Returns (skip, gateApplies).
func gateSkips(step *schema.StepDefinition, outputs map[string]any, statuses map[string]schema.StepStatus) (bool, bool) {
	if step.When == nil {
		return false, false
	}
	if statuses[step.When.Step] != schema.StepStatusSucceeded {
		return true, true
	}
	b, ok := outputs[step.When.Step].(bool)
	if !ok {
		return true, true
	}
	return b != step.When.Is, true
}

// --- helpers ---

func retryable(t schema.StepType) bool {
	return t == schema.StepTypeToolCall || t == schema.StepTypeHTTPRequest
}

func decodeConfig(step *schema.StepDefinition, out any) error {
	if len(step.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s step requires a config block", step.Type).WithStep(step.ID)
	}
	if err := json.Unmarshal(step.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s config: %s", step.Type, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return nil
}

// classifyError maps context errors to the right engine code. ctx is the
// surrounding run context, before any step-level timeout is applied: when it
// is already done the run was interrupted (cancel or workflow deadline) and
// the step ends CANCELLED. A deadline with the run context still live can
// only be the step's own timeout, which is TIMEOUT_ERROR and retryable.
func classifyError(ctx context.Context, step *schema.StepDefinition, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled, "step %s cancelled", step.ID).
			WithStep(step.ID).WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "step %s exceeded its deadline", step.ID).
			WithStep(step.ID).WithCause(err)
	}
	return attributeTo(err, step.ID)
}

// attributeTo ensures the error carries the consuming step's ID.
func attributeTo(err error, stepID string) error {
	if err == nil {
		return nil
	}
	engineErr := asEngineError(err)
	if engineErr.StepID == "" {
		engineErr.StepID = stepID
	}
	return engineErr
}

func asEngineError(err error) *schema.EngineError {
	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return schema.NewError(schema.ErrCodeStepExecution, err.Error()).WithCause(err)
}

func wrapRetryExhausted(stepID string, attempts int, err error) error {
	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step %s failed after %d attempts: %s", stepID, attempts, err.Error()).
		WithStep(stepID).WithCause(err)
}

// firstChildError picks the error of the lexicographically first failed
// child, keeping parallel failure reporting deterministic.
func firstChildError(errs map[string]*schema.EngineError) *schema.EngineError {
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	first := errs[ids[0]]
	cp := *first
	return &cp
}

func copyOutputs(outputs map[string]any) map[string]any {
	cp := make(map[string]any, len(outputs))
	for k, v := range outputs {
		cp[k] = v
	}
	return cp
}
