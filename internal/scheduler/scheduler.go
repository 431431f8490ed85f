package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/conduit/pkg/schema"
)

// Runner is the interface the scheduler uses to launch workflows.
// Satisfied by the orchestrator (avoids import cycle).
type Runner interface {
	StartExecution(ctx context.Context, workflowID string, version int, input map[string]any) (string, error)
}

// Schedule is a recurring workflow trigger.
type Schedule struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version,omitempty"`
	CronExpression  string         `json:"cron_expression"`
	Input           map[string]any `json:"input,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
}

// Scheduler launches workflow executions on cron schedules. Schedules live
// in memory; the executions they start are persisted like any other.
type Scheduler struct {
	runner Runner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	schedMu   sync.Mutex
	schedules map[string]*Schedule

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// New creates a Scheduler.
func New(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:    runner,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Add registers a schedule and computes its first run time. A missing ID is
// assigned.
func (s *Scheduler) Add(sched *Schedule) (*Schedule, error) {
	if sched == nil || sched.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule requires a workflow ID")
	}
	next, err := s.CalculateNextRun(sched.CronExpression, time.Now().UTC())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", sched.CronExpression, err.Error()).WithCause(err)
	}

	cp := *sched
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Enabled = true
	cp.NextRunAt = &next

	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if _, exists := s.schedules[cp.ID]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", cp.ID)
	}
	s.schedules[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	delete(s.schedules, id)
	return nil
}

// List returns all schedules sorted by ID.
func (s *Scheduler) List() []*Schedule {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due schedule.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, sched := range s.due(now) {
		if !s.tryAcquire(sched.ID) {
			continue // already running (dedup)
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("scheduled run failed",
				slog.String("schedule_id", sched.ID),
				slog.String("workflow_id", sched.WorkflowID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

func (s *Scheduler) due(now time.Time) []*Schedule {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()

	var out []*Schedule
	for _, sched := range s.schedules {
		if !sched.Enabled {
			continue
		}
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// runSchedule launches the workflow and advances the schedule's timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sched *Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("workflow_id", sched.WorkflowID),
	)

	executionID, err := s.runner.StartExecution(ctx, sched.WorkflowID, sched.WorkflowVersion, sched.Input)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("schedule launch failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("schedule launched execution",
			slog.String("schedule_id", sched.ID),
			slog.String("execution_id", executionID),
		)
	}

	next, nerr := s.CalculateNextRun(sched.CronExpression, now)
	if nerr != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, nerr)
	}

	s.schedMu.Lock()
	if cur, ok := s.schedules[sched.ID]; ok {
		cur.LastRunAt = &now
		cur.NextRunAt = &next
		cur.LastRunStatus = status
	}
	s.schedMu.Unlock()
	return err
}

// tryAcquire returns true and marks the schedule in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
