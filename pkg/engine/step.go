package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/types"
)

// AttemptOutcome tags the result of one attempt at a browser command.
type AttemptOutcome int

const (
	// AttemptSucceeded means the command completed.
	AttemptSucceeded AttemptOutcome = iota

	// AttemptRetryable means the same command may succeed if tried again.
	AttemptRetryable

	// AttemptPermanent means retrying the same command is pointless.
	AttemptPermanent
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptSucceeded:
		return "success"
	case AttemptRetryable:
		return "retryable"
	case AttemptPermanent:
		return "permanent"
	}
	return fmt.Sprintf("AttemptOutcome(%d)", int(o))
}

// Classify tags a command error.
func Classify(err error) AttemptOutcome {
	switch {
	case err == nil:
		return AttemptSucceeded
	case browser.IsRetryable(err):
		return AttemptRetryable
	}
	return AttemptPermanent
}

type stepResult int

const (
	stepCompleted stepResult = iota
	stepFailed
	stepCancelled
	stepSessionLost
)

// attempt is one command tried for a step, either the primary action or a
// fallback.
type attempt struct {
	cmd      browser.Command
	fallback int
}

func (e *Engine) timeoutFor(step *types.AtomicAction) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return e.cfg.DefaultStepTimeout
}

// runStep drives one step through its retries and fallbacks. Step state is
// updated in place and every transition is reported.
func (e *Engine) runStep(ctx context.Context, r *run, step *types.AtomicAction) stepResult {
	started := time.Now()
	timeout := e.timeoutFor(step)
	result := &types.ActionResult{}

	step.Status = types.ActionExecuting
	r.report(step)

	if e.cfg.CaptureEvidence {
		result.BeforeEvidence = e.capture(ctx, r, step, "before")
	}

	primary := attempt{cmd: browser.Command{Kind: step.Kind, Target: step.Target, Value: step.Value, Timeout: timeout}}

	var lastErr error
	for try := 0; try <= step.MaxRetries; try++ {
		if try > 0 {
			step.Status = types.ActionRetrying
			r.report(step)
			if !sleep(ctx, step.RetryDelay) {
				return e.cancelStep(r, step, result, started)
			}
			step.Status = types.ActionExecuting
		}

		out, err := e.perform(ctx, r, step, primary)
		if err == nil {
			return e.completeStep(ctx, r, step, result, out, 0, started)
		}
		lastErr = err
		e.logger.Debugf("Task %s step %d attempt %d failed: %v", r.taskID, step.Step, step.Attempts, err)

		if ctx.Err() != nil {
			return e.cancelStep(r, step, result, started)
		}
		if errors.Is(err, browser.ErrSessionClosed) {
			return e.failStep(r, step, result, err, started, stepSessionLost)
		}
		if Classify(err) == AttemptPermanent {
			break
		}
	}

	for i, fb := range step.Fallbacks {
		if ctx.Err() != nil {
			return e.cancelStep(r, step, result, started)
		}
		alt := attempt{cmd: fallbackCommand(step, fb, timeout), fallback: i + 1}
		step.Status = types.ActionRetrying
		r.report(step)
		step.Status = types.ActionExecuting

		out, err := e.perform(ctx, r, step, alt)
		if err == nil {
			e.logger.Infof("Task %s step %d succeeded with fallback %d", r.taskID, step.Step, alt.fallback)
			return e.completeStep(ctx, r, step, result, out, alt.fallback, started)
		}
		lastErr = err
		e.logger.Debugf("Task %s step %d fallback %d failed: %v", r.taskID, step.Step, alt.fallback, err)
		if errors.Is(err, browser.ErrSessionClosed) {
			return e.failStep(r, step, result, err, started, stepSessionLost)
		}
	}

	if ctx.Err() != nil {
		return e.cancelStep(r, step, result, started)
	}
	return e.failStep(r, step, result, lastErr, started, stepFailed)
}

// perform runs one command. The command runs on a context detached from
// task cancellation and bounded by the step timeout, so a cancel never
// interrupts a half-applied browser action.
func (e *Engine) perform(ctx context.Context, r *run, step *types.AtomicAction, a attempt) (out browser.Output, err error) {
	step.Attempts++
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cmd.Timeout)
	defer cancel()

	out, err = r.browser.Perform(actx, a.cmd)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", browser.ErrTimeout, a.cmd.Timeout, err)
	}
	return out, err
}

func (e *Engine) completeStep(ctx context.Context, r *run, step *types.AtomicAction, result *types.ActionResult, out browser.Output, fallback int, started time.Time) stepResult {
	result.Success = true
	result.UsedFallback = fallback
	result.Output = out.Text
	if result.Output == "" {
		result.Output = out.Artifact
	}
	if e.cfg.CaptureEvidence {
		result.AfterEvidence = e.capture(ctx, r, step, "after")
	}
	result.Duration = time.Since(started)
	step.Result = result
	step.Status = types.ActionCompleted
	r.report(step)
	return stepCompleted
}

func (e *Engine) failStep(r *run, step *types.AtomicAction, result *types.ActionResult, cause error, started time.Time, res stepResult) stepResult {
	terr := types.NewTaskError(types.ErrorStepExecutionFailure, "%s failed: %v", step.Label(), cause).WithStep(step.Step, step.Kind)
	terr.Detail.Attempts = step.Attempts
	result.Success = false
	result.Error = terr
	result.Duration = time.Since(started)
	step.Result = result
	step.Status = types.ActionFailed
	r.report(step)
	return res
}

func (e *Engine) cancelStep(r *run, step *types.AtomicAction, result *types.ActionResult, started time.Time) stepResult {
	terr := types.NewTaskError(types.ErrorCancelled, "%s cancelled", step.Label()).WithStep(step.Step, step.Kind)
	terr.Detail.Attempts = step.Attempts
	result.Error = terr
	result.Duration = time.Since(started)
	step.Result = result
	step.Status = types.ActionSkipped
	r.report(step)
	return stepCancelled
}

// capture records evidence. Failures are logged and leave the reference
// empty.
func (e *Engine) capture(ctx context.Context, r *run, step *types.AtomicAction, phase string) string {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeoutFor(step))
	defer cancel()
	ref, err := r.browser.Capture(cctx, fmt.Sprintf("step-%d-%s", step.Step, phase))
	if err != nil {
		e.logger.Warnf("Task %s step %d %s evidence capture failed: %v", r.taskID, step.Step, phase, err)
		return ""
	}
	return ref
}

func fallbackCommand(step *types.AtomicAction, fb types.Fallback, timeout time.Duration) browser.Command {
	cmd := browser.Command{Kind: fb.Kind, Target: fb.Target, Value: fb.Value, Timeout: timeout}
	if cmd.Kind == "" {
		cmd.Kind = step.Kind
	}
	if cmd.Target.IsZero() {
		cmd.Target = step.Target
	}
	if cmd.Value == "" && cmd.Kind == step.Kind {
		cmd.Value = step.Value
	}
	return cmd
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
