package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/conduit/internal/graph"
	"github.com/rendis/conduit/internal/logging"
	"github.com/rendis/conduit/internal/state"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/validation"
	"github.com/rendis/conduit/pkg/schema"
)

const defaultMaxInFlight = 8

// Orchestrator is the engine's entry point: it registers workflow
// definitions, launches executions, drives the ready-set scheduling loop,
// and tracks live executions for cancellation.
type Orchestrator struct {
	defs      store.DefinitionStore
	history   store.HistoryStore
	executor  *Executor
	validator *validation.JSONSchemaValidator
	execFSM   *ExecutionFSM
	stepFSM   *StepFSM
	logger    *slog.Logger

	maxInFlight int

	mu     sync.Mutex
	active map[string]*runHandle
	closed bool
	wg     sync.WaitGroup
}

type runHandle struct {
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// Config carries the Orchestrator's collaborators.
type Config struct {
	Definitions store.DefinitionStore
	History     store.HistoryStore
	Executor    *Executor
	Logger      *slog.Logger
	MaxInFlight int // default per-execution concurrency bound
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Definitions == nil || cfg.History == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator requires definition and history stores")
	}
	if cfg.Executor == nil {
		executor, err := NewExecutor(ExecutorConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Executor = executor
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	validator.SetOperators(cfg.Executor.Operators().Names())
	return &Orchestrator{
		defs:        cfg.Definitions,
		history:     cfg.History,
		executor:    cfg.Executor,
		validator:   validator,
		execFSM:     NewExecutionFSM(cfg.History),
		stepFSM:     NewStepFSM(cfg.History),
		logger:      cfg.Logger,
		maxInFlight: cfg.MaxInFlight,
		active:      make(map[string]*runHandle),
	}, nil
}

// Executor exposes the step executor so callers can register tools.
func (o *Orchestrator) Executor() *Executor { return o.executor }

// RegisterWorkflow validates a definition, assigns the next version, and
// persists it. The returned copy carries the assigned version.
func (o *Orchestrator) RegisterWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if err := o.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if _, err := graph.Build(def); err != nil {
		return nil, err
	}
	version, err := o.defs.PutDefinition(ctx, def)
	if err != nil {
		return nil, err
	}
	stored := *def
	stored.Version = version
	o.logger.InfoContext(ctx, "workflow registered", "workflow_id", def.ID, "version", version)
	return &stored, nil
}

// GetWorkflow fetches a registered definition. version <= 0 means latest.
func (o *Orchestrator) GetWorkflow(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	return o.defs.GetDefinition(ctx, id, version)
}

// ListWorkflows returns the latest version of every registered workflow.
func (o *Orchestrator) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return o.defs.ListDefinitions(ctx)
}

// DeleteWorkflow removes every version of a registered workflow. Existing
// execution records are kept; running executions are unaffected because they
// hold their own copy of the definition.
func (o *Orchestrator) DeleteWorkflow(ctx context.Context, id string) error {
	if err := o.defs.DeleteDefinition(ctx, id); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "workflow deleted", "workflow_id", id)
	return nil
}

// StartExecution launches a registered workflow asynchronously and returns
// the new execution ID. The run detaches from the caller's context; use
// Cancel to stop it.
func (o *Orchestrator) StartExecution(ctx context.Context, workflowID string, version int, input map[string]any) (string, error) {
	def, err := o.defs.GetDefinition(ctx, workflowID, version)
	if err != nil {
		return "", err
	}
	g, err := graph.Build(def)
	if err != nil {
		return "", err
	}

	rec, err := o.createRecord(ctx, def, input)
	if err != nil {
		return "", err
	}

	runCtx, handle, err := o.track(rec.ID, def)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(rec.ID, handle)
		o.runExecution(runCtx, handle, def, g, rec, input)
	}()

	return rec.ID, nil
}

// Execute runs a definition synchronously and returns the final record.
// The definition does not need to be registered. Cancellation follows the
// caller's context in addition to Cancel.
func (o *Orchestrator) Execute(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*store.ExecutionRecord, error) {
	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}

	rec, err := o.createRecord(ctx, def, input)
	if err != nil {
		return nil, err
	}

	runCtx, handle, err := o.track(rec.ID, def)
	if err != nil {
		return nil, err
	}
	defer o.untrack(rec.ID, handle)

	// Propagate caller cancellation into the detached run context.
	stop := context.AfterFunc(ctx, handle.cancel)
	defer stop()

	return o.runExecution(runCtx, handle, def, g, rec, input), nil
}

// Cancel stops a live execution. Unknown or already finished executions are
// NOT_FOUND.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	handle, ok := o.active[executionID]
	if ok {
		handle.cancelled = true
	}
	o.mu.Unlock()

	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no running execution: %s", executionID)
	}
	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetExecution returns the persisted record of an execution.
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*store.ExecutionRecord, error) {
	return o.history.GetExecution(ctx, executionID)
}

// ListExecutions returns execution records matching the filter.
func (o *Orchestrator) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionRecord, error) {
	return o.history.ListExecutions(ctx, filter)
}

// Events returns the history log of an execution.
func (o *Orchestrator) Events(ctx context.Context, executionID string) ([]*store.Event, error) {
	return o.history.ListEvents(ctx, executionID)
}

// Shutdown cancels all live executions and waits for them to unwind, or
// until the context expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, handle := range o.active {
		handle.cancelled = true
		handle.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- run loop ---

type stepOutcome struct {
	id       string
	out      any
	attempts int
	err      error
}

func (o *Orchestrator) createRecord(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any) (*store.ExecutionRecord, error) {
	now := time.Now().UTC()
	rec := &store.ExecutionRecord{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          schema.ExecutionStatusPending,
		Input:           input,
		StartedAt:       &now,
	}
	if err := o.history.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// track builds the detached run context (workflow timeout applied) and
// registers the cancellation handle.
func (o *Orchestrator) track(executionID string, def *schema.WorkflowDefinition) (context.Context, *runHandle, error) {
	runCtx := context.Background()
	var cancel context.CancelFunc
	if def.Timeout != "" {
		d, err := time.ParseDuration(def.Timeout)
		if err != nil || d <= 0 {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow timeout %q", def.Timeout)
		}
		runCtx, cancel = context.WithTimeout(runCtx, d)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	handle := &runHandle{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		cancel()
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "orchestrator is shut down")
	}
	o.active[executionID] = handle
	return runCtx, handle, nil
}

func (o *Orchestrator) untrack(executionID string, handle *runHandle) {
	o.mu.Lock()
	delete(o.active, executionID)
	o.mu.Unlock()
	handle.cancel()
	close(handle.done)
}

// runExecution drives one execution to a terminal state and returns the
// final record. Scheduling is a ready-set loop: each pass skips blocked
// steps, dispatches every eligible step to the pool, then waits for one
// outcome before recomputing the set.
func (o *Orchestrator) runExecution(ctx context.Context, handle *runHandle, def *schema.WorkflowDefinition, g *graph.Graph, rec *store.ExecutionRecord, input map[string]any) *store.ExecutionRecord {
	ctx = logging.WithExecutionID(logging.WithWorkflowID(ctx, def.ID), rec.ID)
	logger := logging.LogWith(ctx, o.logger)

	st := state.New(input)
	env := &ExecEnv{ExecutionID: rec.ID, Appender: o.history, Logger: logger}

	poolSize := 1
	if def.ParallelExecution {
		poolSize = def.MaxInFlight
		if poolSize <= 0 {
			poolSize = o.maxInFlight
		}
	}
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown()

	if err := o.execFSM.Transition(ctx, rec.ID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning); err != nil {
		logger.Warn("execution start transition failed", "error", err)
	}
	rec.Status = schema.ExecutionStatusRunning
	o.persist(ctx, rec, st, logger)
	logger.Info("execution started", "steps", len(g.Steps), "pool_size", poolSize)

	// Buffered so workers never block handing back an outcome.
	outcomes := make(chan stepOutcome, len(g.Steps))
	inFlight := 0
	interrupted := false

loop:
	for {
		progress := false
		statuses := st.Statuses()

		for _, id := range g.SkipCandidates(statuses) {
			o.skipStep(ctx, env, st, rec.ID, id, logger)
			progress = true
		}

		for _, id := range g.Eligible(statuses) {
			step := g.Steps[id]
			if o.whenGateSkips(step, st) {
				o.skipStep(ctx, env, st, rec.ID, id, logger)
				progress = true
				continue
			}
			if err := o.dispatch(ctx, env, pool, st, rec.ID, step, outcomes, logger); err != nil {
				interrupted = true
				break loop
			}
			inFlight++
			progress = true
		}

		if inFlight == 0 {
			if !progress {
				break
			}
			continue
		}

		select {
		case outcome := <-outcomes:
			inFlight--
			o.recordOutcome(ctx, st, rec, outcome, logger)
		case <-ctx.Done():
			interrupted = true
			break loop
		}
	}

	// Let in-flight steps observe cancellation and unwind, then drain their
	// outcomes so the record reflects what each attempt saw.
	pool.Wait()
	for inFlight > 0 {
		outcome := <-outcomes
		inFlight--
		o.recordOutcome(ctx, st, rec, outcome, logger)
	}

	// A step may observe cancellation and hand back its outcome before the
	// select above sees ctx.Done; the run is still interrupted.
	if ctx.Err() != nil {
		interrupted = true
	}

	o.finalize(ctx, handle, st, rec, interrupted, logger)
	return rec
}

func (o *Orchestrator) dispatch(ctx context.Context, env *ExecEnv, pool *WorkerPool, st *state.RunState, executionID string, step *schema.StepDefinition, outcomes chan<- stepOutcome, logger *slog.Logger) error {
	id := step.ID
	st.MarkRunning(id, 1)
	if err := o.stepFSM.Transition(ctx, executionID, id, schema.StepStatusPending, schema.StepStatusRunning); err != nil {
		logger.Warn("step start transition failed", "step_id", id, "error", err)
	}

	scope := st.Scope()
	return pool.Submit(ctx, func(wctx context.Context) error {
		out, attempts, err := o.executor.RunAttempts(wctx, env, step, scope, func(next int) {
			st.MarkRetrying(id, next-1)
			if terr := o.stepFSM.Transition(wctx, executionID, id, schema.StepStatusRunning, schema.StepStatusRetrying); terr != nil {
				logger.Warn("step retry transition failed", "step_id", id, "error", terr)
			}
		})
		outcomes <- stepOutcome{id: id, out: out, attempts: attempts, err: err}
		return err
	})
}

func (o *Orchestrator) recordOutcome(ctx context.Context, st *state.RunState, rec *store.ExecutionRecord, outcome stepOutcome, logger *slog.Logger) {
	id := outcome.id

	current := schema.StepStatusRunning
	if r := st.Result(id); r != nil {
		current = r.Status
	}
	// A step that succeeded or failed out of a retry wait passes back
	// through running first.
	if current == schema.StepStatusRetrying {
		if err := o.stepFSM.Transition(ctx, rec.ID, id, schema.StepStatusRetrying, schema.StepStatusRunning); err != nil {
			logger.Warn("step resume transition failed", "step_id", id, "error", err)
		}
		current = schema.StepStatusRunning
	}

	var final schema.StepStatus
	var stepErr *schema.EngineError
	switch {
	case outcome.err == nil:
		final = schema.StepStatusSucceeded
	default:
		stepErr = asEngineError(outcome.err)
		if stepErr.Code == schema.ErrCodeCancelled {
			final = schema.StepStatusCancelled
		} else {
			final = schema.StepStatusFailed
		}
	}

	st.Complete(id, final, outcome.out, outcome.attempts, stepErr)
	if err := o.stepFSM.Transition(ctx, rec.ID, id, current, final); err != nil {
		logger.Warn("step finish transition failed", "step_id", id, "error", err)
	}

	switch final {
	case schema.StepStatusSucceeded:
		logger.Info("step succeeded", "step_id", id, "attempts", outcome.attempts)
	case schema.StepStatusFailed:
		logger.Error("step failed", "step_id", id, "attempts", outcome.attempts, "error", stepErr)
		if rec.FirstFailedStep == "" {
			rec.FirstFailedStep = id
			rec.Error = stepErr
		}
	case schema.StepStatusCancelled:
		logger.Info("step cancelled", "step_id", id)
	}
}

func (o *Orchestrator) skipStep(ctx context.Context, env *ExecEnv, st *state.RunState, executionID, id string, logger *slog.Logger) {
	st.Skip(id)
	if err := o.stepFSM.Transition(ctx, executionID, id, schema.StepStatusPending, schema.StepStatusSkipped); err != nil {
		logger.Warn("step skip transition failed", "step_id", id, "error", err)
	}
	logger.Info("step skipped", "step_id", id)
}

// whenGateSkips evaluates a step's branch gate against the recorded output
// of the condition step it names.
func (o *Orchestrator) whenGateSkips(step *schema.StepDefinition, st *state.RunState) bool {
	if step.When == nil {
		return false
	}
	r := st.Result(step.When.Step)
	if r == nil || r.Status != schema.StepStatusSucceeded {
		return true
	}
	b, ok := r.Output.(bool)
	if !ok {
		return true
	}
	return b != step.When.Is
}

// finalize classifies the terminal execution status, cancels leftover steps,
// and persists the final record.
func (o *Orchestrator) finalize(ctx context.Context, handle *runHandle, st *state.RunState, rec *store.ExecutionRecord, interrupted bool, logger *slog.Logger) {
	statuses := st.Statuses()

	var final schema.ExecutionStatus
	switch {
	case interrupted && handle.cancelled:
		final = schema.ExecutionStatusCancelled
	case interrupted:
		final = schema.ExecutionStatusTimedOut
		if rec.Error == nil {
			rec.Error = schema.NewError(schema.ErrCodeTimeout, "workflow deadline exceeded")
		}
	case rec.FirstFailedStep != "":
		final = schema.ExecutionStatusFailed
	default:
		final = schema.ExecutionStatusSucceeded
	}

	if final == schema.ExecutionStatusCancelled {
		if err := CancelExecution(ctx, o.execFSM, o.stepFSM, rec.ID, schema.ExecutionStatusRunning, statuses); err != nil {
			logger.Warn("cancel cascade failed", "error", err)
		}
	} else {
		if err := o.execFSM.Transition(ctx, rec.ID, schema.ExecutionStatusRunning, final); err != nil {
			logger.Warn("execution finish transition failed", "error", err)
		}
	}

	// Any step the loop never reached ends cancelled (interrupted run) and
	// stays absent from the record otherwise: it was simply never attempted.
	if interrupted {
		for id, status := range statuses {
			if !status.Terminal() {
				st.Complete(id, schema.StepStatusCancelled, nil, 0, nil)
			}
		}
	}

	now := time.Now().UTC()
	rec.Status = final
	rec.CompletedAt = &now
	o.persist(ctx, rec, st, logger)
	logger.Info("execution finished", "status", final, "first_failed_step", rec.FirstFailedStep)
}

// persist is best-effort: a store outage must not take the run loop down.
func (o *Orchestrator) persist(ctx context.Context, rec *store.ExecutionRecord, st *state.RunState, logger *slog.Logger) {
	rec.Steps = st.Snapshot()
	// The run context may already be done; persistence still has to happen.
	if err := o.history.UpdateExecution(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("persist execution failed", "error", err)
	}
}
