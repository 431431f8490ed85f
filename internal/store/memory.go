package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/conduit/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and single-process deployments
// that do not need durability.
type MemoryStore struct {
	mu         sync.RWMutex
	defs       map[string][]*schema.WorkflowDefinition // workflow ID → versions, ascending
	executions map[string]*ExecutionRecord
	events     map[string][]*Event // execution ID → events, append order
	nextEvent  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:       make(map[string][]*schema.WorkflowDefinition),
		executions: make(map[string]*ExecutionRecord),
		events:     make(map[string][]*Event),
	}
}

func (s *MemoryStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) (int, error) {
	if def == nil || def.ID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "definition requires an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *def
	cp.Version = len(s.defs[def.ID]) + 1
	s.defs[def.ID] = append(s.defs[def.ID], &cp)
	return cp.Version, nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.defs[id]
	if len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", id)
	}
	if version <= 0 {
		return versions[len(versions)-1], nil
	}
	if version > len(versions) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s has no version %d", id, version)
	}
	return versions[version-1], nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.WorkflowDefinition, 0, len(s.defs))
	for _, versions := range s.defs {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow not found: %s", id)
	}
	delete(s.defs, id)
	return nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution record requires an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[rec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution already exists: %s", rec.ID)
	}
	cp := *rec
	s.executions[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[rec.ID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", rec.ID)
	}
	cp := *rec
	s.executions[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ExecutionRecord, 0, len(s.executions))
	for _, rec := range s.executions {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	// Most recent first.
	sort.Slice(out, func(i, j int) bool {
		ti, tj := timeOrZero(out[i].StartedAt), timeOrZero(out[j].StartedAt)
		if ti.Equal(tj) {
			return out[i].ID > out[j].ID
		}
		return ti.After(tj)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	if event == nil || event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires an execution ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEvent++
	cp := *event
	cp.ID = s.nextEvent
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, executionID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[executionID]
	out := make([]*Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ Store = (*MemoryStore)(nil)
