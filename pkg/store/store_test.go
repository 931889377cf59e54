package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pilot/pkg/pool"
	"github.com/entrhq/pilot/pkg/task"
	"github.com/entrhq/pilot/pkg/types"
)

var _ task.Recorder = (*SQLite)(nil)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "pilot.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTask(id string, created time.Time) *types.Task {
	return &types.Task{
		ID:          id,
		Goal:        "log in as bob",
		Status:      types.TaskPlanning,
		CurrentStep: "planning",
		MaxRetries:  3,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestRecordTaskUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tk := sampleTask("task-1", created)
	require.NoError(t, s.RecordTask(ctx, tk))

	tk.Status = types.TaskFailed
	tk.RetryCount = 3
	tk.Progress = 50
	tk.SessionID = "session-2"
	tk.PlanVersion = 2
	tk.CompletedAt = created.Add(time.Minute)
	tk.LastError = types.NewTaskError(types.ErrorStepExecutionFailure, "element not found").WithStep(2, types.ActionClick)
	tk.Approval = &types.ApprovalDecision{Approved: true, Feedback: "ok", At: created.Add(10 * time.Second)}
	require.NoError(t, s.RecordTask(ctx, tk))

	got, err := s.Task(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 50.0, got.Progress)
	assert.Equal(t, "session-2", got.SessionID)
	assert.Equal(t, 2, got.PlanVersion)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.True(t, tk.CompletedAt.Equal(got.CompletedAt))
	assert.True(t, got.PlanningStartedAt.IsZero())
	require.NotNil(t, got.LastError)
	assert.Equal(t, types.ErrorStepExecutionFailure, got.LastError.Kind)
	assert.Equal(t, 2, got.LastError.Detail.Step)
	require.NotNil(t, got.Approval)
	assert.True(t, got.Approval.Approved)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[types.TaskStatus]int{types.TaskFailed: 1}, counts)
}

func TestTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Task(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Plan(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTasksFilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, status := range []types.TaskStatus{types.TaskCompleted, types.TaskFailed, types.TaskCompleted} {
		tk := sampleTask([]string{"a", "b", "c"}[i], base.Add(time.Duration(i)*time.Minute))
		tk.Status = status
		require.NoError(t, s.RecordTask(ctx, tk))
	}

	all, err := s.Tasks(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	completed, err := s.Tasks(ctx, types.TaskCompleted, 0)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, []string{"c", "a"}, []string{completed[0].ID, completed[1].ID})

	limited, err := s.Tasks(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordPlanVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &types.ExecutionPlan{
		ID:      "plan-a",
		Version: 1,
		Goal:    "log in as bob",
		Status:  types.PlanValidated,
		Risk:    types.RiskLow,
		Steps: []*types.AtomicAction{
			{Step: 1, Kind: types.ActionClick, Target: types.NewLocator("#login"), Timeout: 5 * time.Second, Status: types.ActionPending},
		},
		Validation: &types.ValidationResult{IsValid: true, ConfidenceScore: 0.95, Risk: types.RiskLow},
	}
	require.NoError(t, s.RecordPlan(ctx, "task-1", p))

	p.Status = types.PlanCompleted
	p.Steps[0].Status = types.ActionCompleted
	p.Steps[0].Result = &types.ActionResult{Success: true, AfterEvidence: "shots/after.png"}
	require.NoError(t, s.RecordPlan(ctx, "task-1", p))

	p2 := p.Clone()
	p2.ID = "plan-b"
	p2.Version = 2
	p2.Status = types.PlanExecuting
	require.NoError(t, s.RecordPlan(ctx, "task-1", p2))

	versions, err := s.PlanVersions(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	latest, err := s.Plan(ctx, "task-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "plan-b", latest.ID)

	first, err := s.Plan(ctx, "task-1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, first.Status)
	require.Len(t, first.Steps, 1)
	assert.Equal(t, types.ActionCompleted, first.Steps[0].Status)
	assert.Equal(t, 5*time.Second, first.Steps[0].Timeout)
	require.NotNil(t, first.Steps[0].Result)
	assert.Equal(t, "shots/after.png", first.Steps[0].Result.AfterEvidence)
	assert.True(t, first.Validation.IsValid)
}

func TestPoolStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePoolStats(ctx, at, pool.Stats{Available: 1, Held: 1, Created: 2, Capacity: 4}))
	require.NoError(t, s.SavePoolStats(ctx, at.Add(time.Minute), pool.Stats{Available: 2, Created: 2, Reused: 1, Capacity: 4}))

	snaps, err := s.PoolStats(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 2, snaps[0].Available)
	assert.Equal(t, 1, snaps[0].Reused)
	assert.True(t, at.Add(time.Minute).Equal(snaps[0].RecordedAt))
	assert.Equal(t, 1, snaps[1].Held)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.RecordTask(ctx, sampleTask("task-1", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Task(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "log in as bob", got.Goal)
}

func TestMemoryStore(t *testing.T) {
	s, err := Open(MemoryPath, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.RecordTask(context.Background(), sampleTask("task-1", time.Now())))
	_, err = s.Task(context.Background(), "task-1")
	assert.NoError(t, err)
}
