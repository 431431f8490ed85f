package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conduit/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) (int, error) {
	if def == nil || def.ID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "definition requires an ID")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE id = ?`, def.ID,
	).Scan(&version)
	if err != nil {
		return 0, storeErr("next version", err)
	}

	stored := *def
	stored.Version = version
	doc, err := json.Marshal(&stored)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeValidation, "marshal definition").WithCause(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, name, definition, created_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		def.ID, version, nullStr(def.Name), string(doc),
	)
	if err != nil {
		return 0, storeErr("insert definition", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit definition", err)
	}
	return version, nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var doc string
	var err error
	if version <= 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflow_definitions WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
		).Scan(&doc)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflow_definitions WHERE id = ? AND version = ?`, id, version,
		).Scan(&doc)
	}
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get definition", err)
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(doc), def); err != nil {
		return nil, storeErr("unmarshal definition", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.definition
		 FROM workflow_definitions d
		 JOIN (SELECT id, MAX(version) AS version FROM workflow_definitions GROUP BY id) latest
		   ON d.id = latest.id AND d.version = latest.version
		 ORDER BY d.id`,
	)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storeErr("scan definition", err)
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, storeErr("unmarshal definition", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete definition", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution record requires an ID")
	}
	input, err := marshalOrNull(rec.Input)
	if err != nil {
		return storeErr("marshal input", err)
	}
	steps, err := marshalOrNull(rec.Steps)
	if err != nil {
		return storeErr("marshal steps", err)
	}
	execErr, err := marshalOrNull(rec.Error)
	if err != nil {
		return storeErr("marshal error", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_version, status, input, steps, first_failed_step, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.WorkflowVersion, string(rec.Status),
		input, steps, nullStr(rec.FirstFailedStep), execErr,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	if err != nil {
		return storeErr("insert execution", err)
	}
	return nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, rec *ExecutionRecord) error {
	steps, err := marshalOrNull(rec.Steps)
	if err != nil {
		return storeErr("marshal steps", err)
	}
	execErr, err := marshalOrNull(rec.Error)
	if err != nil {
		return storeErr("marshal error", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, steps = ?, first_failed_step = ?, error = ?, completed_at = ?
		 WHERE id = ?`,
		string(rec.Status), steps, nullStr(rec.FirstFailedStep), execErr, nullTime(rec.CompletedAt), rec.ID,
	)
	if err != nil {
		return storeErr("update execution", err)
	}
	return checkRowsAffected(res, "execution", rec.ID)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var status string
	var input, steps, firstFailed, execErr sql.NullString
	var startedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, status, input, steps, first_failed_step, error, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.WorkflowID, &rec.WorkflowVersion, &status,
		&input, &steps, &firstFailed, &execErr, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}

	rec.Status = schema.ExecutionStatus(status)
	rec.FirstFailedStep = firstFailed.String
	unmarshalIfSet(input, &rec.Input)
	unmarshalIfSet(steps, &rec.Steps)
	unmarshalIfSet(execErr, &rec.Error)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, workflow_id, workflow_version, status, input, steps, first_failed_step, error, started_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var recs []*ExecutionRecord
	for rows.Next() {
		rec := &ExecutionRecord{}
		var status string
		var input, steps, firstFailed, execErr sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.WorkflowVersion, &status,
			&input, &steps, &firstFailed, &execErr, &startedAt, &completedAt); err != nil {
			return nil, storeErr("scan execution", err)
		}
		rec.Status = schema.ExecutionStatus(status)
		rec.FirstFailedStep = firstFailed.String
		unmarshalIfSet(input, &rec.Input)
		unmarshalIfSet(steps, &rec.Steps)
		unmarshalIfSet(execErr, &rec.Error)
		if startedAt.Valid {
			rec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event == nil || event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires an execution ID")
	}
	payload, err := marshalOrNull(event.Payload)
	if err != nil {
		return storeErr("marshal payload", err)
	}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, payload, ts,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, created_at
		 FROM events WHERE execution_id = ? ORDER BY id ASC`, executionID,
	)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalOrNull(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func unmarshalIfSet[T any](ns sql.NullString, out *T) {
	if ns.Valid && ns.String != "" {
		_ = json.Unmarshal([]byte(ns.String), out)
	}
}

var _ Store = (*LibSQLStore)(nil)
