// Package engine executes approved plans step by step against a pooled
// browser session.
//
// The engine never mutates task state. It works on a copy of the plan,
// reports every step transition through a Reporter and returns an
// ExecutionOutcome that the task manager applies.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/pool"
	"github.com/entrhq/pilot/pkg/types"
)

// Engine defaults
const (
	DefaultStepTimeout    = 10 * time.Second
	DefaultAcquireTimeout = 30 * time.Second
)

// SessionSource leases browser sessions.
type SessionSource interface {
	Acquire(ctx context.Context, taskID string, timeout time.Duration) (*pool.Session, error)
	Release(taskID string, s *pool.Session) error
}

// Reporter receives live progress from a run.
type Reporter interface {
	SessionAcquired(taskID, sessionID string)
	StepChanged(taskID string, update types.StepUpdate)
}

type nopReporter struct{}

func (nopReporter) SessionAcquired(string, string)      {}
func (nopReporter) StepChanged(string, types.StepUpdate) {}

// Config configures the engine.
type Config struct {
	// AcquireTimeout bounds the wait for a pooled session
	AcquireTimeout time.Duration

	// DefaultStepTimeout applies to steps without their own timeout
	DefaultStepTimeout time.Duration

	// CaptureEvidence takes before and after screenshots of every step
	CaptureEvidence bool
}

// Engine runs plans. It is safe for concurrent use; each Execute call
// leases its own session.
type Engine struct {
	sessions SessionSource
	cfg      Config
	logger   *logging.Logger
}

// New creates an engine.
func New(sessions SessionSource, cfg Config, logger *logging.Logger) *Engine {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultStepTimeout
	}
	return &Engine{
		sessions: sessions,
		cfg:      cfg,
		logger:   logging.OrNop(logger).With("engine"),
	}
}

// run is the state of one Execute call.
type run struct {
	taskID   string
	plan     *types.ExecutionPlan
	reporter Reporter
	browser  browser.Context
	current  *types.AtomicAction
}

func (r *run) report(step *types.AtomicAction) {
	r.reporter.StepChanged(r.taskID, types.StepUpdate{
		Step:     step.Step,
		Status:   step.Status,
		Attempts: step.Attempts,
		Label:    step.Label(),
		Result:   cloneResult(step.Result),
		Progress: r.plan.Progress(),
	})
}

// Execute runs plan for taskID. The plan argument is not modified. The
// leased session is released exactly once on every exit path, including
// cancellation and panics inside the driver.
func (e *Engine) Execute(ctx context.Context, taskID string, plan *types.ExecutionPlan, reporter Reporter) (outcome *types.ExecutionOutcome) {
	start := time.Now()
	if reporter == nil {
		reporter = nopReporter{}
	}
	if plan == nil || len(plan.Steps) == 0 {
		return &types.ExecutionOutcome{
			Status:   types.OutcomeFailed,
			Err:      types.NewTaskError(types.ErrorInvalidInput, "plan has no steps"),
			Duration: time.Since(start),
		}
	}

	work := plan.Clone()
	work.ResetSteps()
	r := &run{taskID: taskID, plan: work, reporter: reporter}

	session, err := e.acquire(ctx, taskID)
	if err != nil {
		e.logger.Warnf("Task %s could not acquire a session: %v", taskID, err)
		status := types.OutcomeFailed
		if types.KindOf(err) == types.ErrorCancelled {
			status = types.OutcomeCancelled
		}
		return e.outcome(work, status, asTaskError(err), false, "", start)
	}
	r.browser = session.Browser()
	reporter.SessionAcquired(taskID, session.ID)
	e.logger.Infof("Task %s executing plan %s (%d steps) on session %s", taskID, work.ID, len(work.Steps), session.ID)

	defer func() {
		if err := e.sessions.Release(taskID, session); err != nil {
			e.logger.Warnf("Task %s failed to release session %s: %v", taskID, session.ID, err)
		}
	}()

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		e.logger.Errorf("Task %s execution panicked: %v", taskID, rec)
		terr := types.NewTaskError(types.ErrorStepExecutionFailure, "execution panicked: %v", rec).WithExtra("panic", "true")
		if r.current != nil {
			terr.WithStep(r.current.Step, r.current.Kind)
			r.current.Status = types.ActionFailed
			r.current.Result = &types.ActionResult{Error: terr.Clone()}
			r.report(r.current)
		}
		terr.Detail.SessionID = session.ID
		outcome = e.outcome(work, types.OutcomeFailed, terr, false, session.ID, start)
	}()

	return e.runSteps(ctx, r, session.ID, start)
}

func (e *Engine) runSteps(ctx context.Context, r *run, sessionID string, start time.Time) *types.ExecutionOutcome {
	for _, step := range r.plan.Ordered() {
		if ctx.Err() != nil {
			return e.cancelled(r.plan, sessionID, start)
		}
		r.current = step

		if dep, ok := unmetDependency(r.plan, step); ok {
			step.Status = types.ActionBlocked
			terr := types.NewTaskError(types.ErrorStepExecutionFailure,
				"step %d blocked: dependency step %d did not complete", step.Step, dep).WithStep(step.Step, step.Kind)
			step.Result = &types.ActionResult{Error: terr.Clone()}
			r.report(step)
			if step.Critical {
				e.logger.Warnf("Task %s critical step %d blocked by step %d, aborting", r.taskID, step.Step, dep)
				terr.Detail.SessionID = sessionID
				return e.outcome(r.plan, types.OutcomeFailed, terr, true, sessionID, start)
			}
			e.logger.Infof("Task %s step %d blocked by step %d, continuing", r.taskID, step.Step, dep)
			continue
		}

		switch e.runStep(ctx, r, step) {
		case stepCompleted:
		case stepCancelled:
			return e.cancelled(r.plan, sessionID, start)
		case stepSessionLost:
			terr := step.Result.Error.Clone()
			terr.Detail.SessionID = sessionID
			terr.WithExtra("session_lost", "true")
			return e.outcome(r.plan, types.OutcomeFailed, terr, false, sessionID, start)
		case stepFailed:
			if step.Critical {
				terr := step.Result.Error.Clone()
				terr.Detail.SessionID = sessionID
				e.logger.Warnf("Task %s critical step %d failed after %d attempts, aborting plan", r.taskID, step.Step, step.Attempts)
				return e.outcome(r.plan, types.OutcomeFailed, terr, true, sessionID, start)
			}
			e.logger.Infof("Task %s non-critical step %d failed, continuing", r.taskID, step.Step)
		}
	}
	r.current = nil

	e.logger.Infof("Task %s plan %s completed in %s", r.taskID, r.plan.ID, time.Since(start).Round(time.Millisecond))
	return e.outcome(r.plan, types.OutcomeCompleted, nil, false, sessionID, start)
}

func (e *Engine) acquire(ctx context.Context, taskID string) (*pool.Session, error) {
	s, err := e.sessions.Acquire(ctx, taskID, e.cfg.AcquireTimeout)
	if err == nil {
		return s, nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, types.NewTaskError(types.ErrorCancelled, "cancelled while waiting for a session")
	case errors.Is(err, pool.ErrPoolExhausted):
		return nil, types.NewTaskError(types.ErrorPoolExhausted, "no session available within %s", e.cfg.AcquireTimeout)
	case errors.Is(err, pool.ErrPoolClosed):
		return nil, types.NewTaskError(types.ErrorPoolExhausted, "session pool is shut down").WithExtra("pool_closed", "true")
	}
	return nil, types.NewTaskError(types.ErrorPoolExhausted, "failed to acquire session: %v", err)
}

func (e *Engine) cancelled(plan *types.ExecutionPlan, sessionID string, start time.Time) *types.ExecutionOutcome {
	terr := types.NewTaskError(types.ErrorCancelled, "execution cancelled")
	terr.Detail.SessionID = sessionID
	return e.outcome(plan, types.OutcomeCancelled, terr, false, sessionID, start)
}

func (e *Engine) outcome(plan *types.ExecutionPlan, status types.OutcomeStatus, err *types.TaskError, critical bool, sessionID string, start time.Time) *types.ExecutionOutcome {
	steps := make([]types.StepResult, 0, len(plan.Steps))
	for _, s := range plan.Ordered() {
		steps = append(steps, types.StepResult{
			Step:     s.Step,
			Kind:     s.Kind,
			Status:   s.Status,
			Attempts: s.Attempts,
			Result:   cloneResult(s.Result),
		})
	}
	return &types.ExecutionOutcome{
		Status:    status,
		Err:       err,
		Critical:  critical,
		Steps:     steps,
		SessionID: sessionID,
		Duration:  time.Since(start),
	}
}

// unmetDependency returns the first dependency of step that has not
// completed.
func unmetDependency(plan *types.ExecutionPlan, step *types.AtomicAction) (int, bool) {
	for _, d := range step.DependsOn {
		dep := plan.Step(d)
		if dep == nil || dep.Status != types.ActionCompleted {
			return d, true
		}
	}
	return 0, false
}

func asTaskError(err error) *types.TaskError {
	var terr *types.TaskError
	if errors.As(err, &terr) {
		return terr
	}
	return types.NewTaskError(types.ErrorStepExecutionFailure, "%v", err)
}

func cloneResult(r *types.ActionResult) *types.ActionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Error = r.Error.Clone()
	return &c
}
