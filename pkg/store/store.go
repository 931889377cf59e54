// Package store persists tasks, plans and pool statistics in SQLite.
//
// The schema is specified by the pipeline's persisted-state records: one
// row per task, one row per (task, plan version) holding the plan as JSON,
// and append-only pool statistics snapshots. The pure-Go modernc.org/sqlite
// driver is used so the binary builds without cgo.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/pool"
	"github.com/entrhq/pilot/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLite is a task.Recorder backed by a SQLite database file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
}

// PoolSnapshot is one recorded pool statistics sample.
type PoolSnapshot struct {
	RecordedAt time.Time
	pool.Stats
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger *logging.Logger) (*SQLite, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &SQLite{db: db, path: path, logger: logging.OrNop(logger).With("store")}
	s.logger.Debugf("Opened task store at %s", path)
	return s, nil
}

// Path returns the database location.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordTask inserts or replaces the task row.
func (s *SQLite) RecordTask(ctx context.Context, t *types.Task) error {
	if t == nil {
		return fmt.Errorf("record task: task is nil")
	}
	lastErr, err := jsonOrNull(t.LastError)
	if err != nil {
		return fmt.Errorf("encode last error of task %s: %w", t.ID, err)
	}
	approval, err := jsonOrNull(t.Approval)
	if err != nil {
		return fmt.Errorf("encode approval of task %s: %w", t.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, goal, status, progress, current_step, retry_count, max_retries,
			session_id, plan_version, created_at, planning_started_at, execution_started_at,
			completed_at, updated_at, last_error, approval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			current_step = excluded.current_step,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			session_id = excluded.session_id,
			plan_version = excluded.plan_version,
			planning_started_at = excluded.planning_started_at,
			execution_started_at = excluded.execution_started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error,
			approval = excluded.approval`,
		t.ID, t.Goal, string(t.Status), t.Progress, t.CurrentStep, t.RetryCount, t.MaxRetries,
		t.SessionID, t.PlanVersion, formatTime(t.CreatedAt), formatTime(t.PlanningStartedAt),
		formatTime(t.ExecutionStartedAt), formatTime(t.CompletedAt), formatTime(t.UpdatedAt),
		lastErr, approval,
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", t.ID, err)
	}
	return nil
}

// RecordPlan inserts or replaces the plan row for its version.
func (s *SQLite) RecordPlan(ctx context.Context, taskID string, p *types.ExecutionPlan) error {
	if p == nil {
		return fmt.Errorf("record plan for task %s: plan is nil", taskID)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (task_id, version, plan_id, status, risk, step_count, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, version) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			risk = excluded.risk,
			step_count = excluded.step_count,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		taskID, p.Version, p.ID, string(p.Status), string(p.Risk), len(p.Steps), string(body),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record plan v%d for task %s: %w", p.Version, taskID, err)
	}
	return nil
}

// SavePoolStats appends a pool statistics snapshot.
func (s *SQLite) SavePoolStats(ctx context.Context, at time.Time, st pool.Stats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_stats (recorded_at, available, held, created, reused, destroyed, capacity)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(at), st.Available, st.Held, st.Created, st.Reused, st.Destroyed, st.Capacity,
	)
	if err != nil {
		return fmt.Errorf("save pool stats: %w", err)
	}
	return nil
}

const taskColumns = `id, goal, status, progress, current_step, retry_count, max_retries, session_id,
	plan_version, created_at, planning_started_at, execution_started_at, completed_at, updated_at,
	last_error, approval`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*types.Task, error) {
	var t types.Task
	var status, created, planning, executing, done, upd string
	var lastErr, approval sql.NullString
	err := row.Scan(&t.ID, &t.Goal, &status, &t.Progress, &t.CurrentStep, &t.RetryCount, &t.MaxRetries,
		&t.SessionID, &t.PlanVersion, &created, &planning, &executing, &done, &upd, &lastErr, &approval)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.PlanningStartedAt = parseTime(planning)
	t.ExecutionStartedAt = parseTime(executing)
	t.CompletedAt = parseTime(done)
	t.UpdatedAt = parseTime(upd)

	if lastErr.Valid {
		t.LastError = &types.TaskError{}
		if err := json.Unmarshal([]byte(lastErr.String), t.LastError); err != nil {
			return nil, fmt.Errorf("decode last error of task %s: %w", t.ID, err)
		}
	}
	if approval.Valid {
		t.Approval = &types.ApprovalDecision{}
		if err := json.Unmarshal([]byte(approval.String), t.Approval); err != nil {
			return nil, fmt.Errorf("decode approval of task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// Task loads one task.
func (s *SQLite) Task(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return t, nil
}

// Tasks lists tasks newest first, optionally filtered by status. A limit
// of zero or less returns every match.
func (s *SQLite) Tasks(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Plan loads a plan version. Version 0 loads the latest.
func (s *SQLite) Plan(ctx context.Context, taskID string, version int) (*types.ExecutionPlan, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `SELECT body FROM plans WHERE task_id = ? AND version = ?`, taskID, version)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT body FROM plans WHERE task_id = ? ORDER BY version DESC LIMIT 1`, taskID)
	}

	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: plan v%d of task %s", ErrNotFound, version, taskID)
		}
		return nil, fmt.Errorf("load plan of task %s: %w", taskID, err)
	}
	var p types.ExecutionPlan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode plan of task %s: %w", taskID, err)
	}
	return &p, nil
}

// PlanVersions returns the recorded plan versions of a task in order.
func (s *SQLite) PlanVersions(ctx context.Context, taskID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM plans WHERE task_id = ? ORDER BY version`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list plan versions of task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PoolStats returns the most recent snapshots, newest first.
func (s *SQLite) PoolStats(ctx context.Context, limit int) ([]PoolSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, available, held, created, reused, destroyed, capacity
		FROM pool_stats ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pool stats: %w", err)
	}
	defer rows.Close()

	var out []PoolSnapshot
	for rows.Next() {
		var (
			snap PoolSnapshot
			at   string
		)
		if err := rows.Scan(&at, &snap.Available, &snap.Held, &snap.Created, &snap.Reused, &snap.Destroyed, &snap.Capacity); err != nil {
			return nil, err
		}
		snap.RecordedAt = parseTime(at)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of stored tasks per status.
func (s *SQLite) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[types.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[types.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// Times are stored as RFC 3339 text; the zero time is stored empty.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func jsonOrNull(v interface{}) (sql.NullString, error) {
	switch x := v.(type) {
	case *types.TaskError:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *types.ApprovalDecision:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
