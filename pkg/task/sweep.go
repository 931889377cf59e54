package task

import (
	"context"
	"time"

	"github.com/entrhq/pilot/pkg/types"
)

// SweepStale treats tasks stuck in planning or executing longer than the
// stale timeout as having lost their worker. Their in-flight work is
// abandoned and they go through the retry policy. It returns the number of
// tasks swept.
func (m *Manager) SweepStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}

	now := m.cfg.Now()
	swept := 0
	for _, id := range m.order {
		e := m.entries[id]
		var since time.Time
		resume := e.task.Status
		switch e.task.Status {
		case types.TaskPlanning:
			since = e.task.PlanningStartedAt
		case types.TaskExecuting:
			since = e.task.ExecutionStartedAt
		default:
			continue
		}
		if now.Sub(since) < m.cfg.StaleTimeout {
			continue
		}

		swept++
		kind := types.ErrorReasoningFailure
		if resume == types.TaskExecuting {
			kind = types.ErrorStepExecutionFailure
		}
		terr := types.NewTaskError(kind, "no progress in %s for %s", e.task.Status, now.Sub(since).Round(time.Second)).
			WithExtra("stale", "true")
		m.logger.Warnf("Task %s is stale in %s", id, e.task.Status)
		m.retryOrFail(e, terr, resume)
	}
	return swept
}

// Run sweeps stale tasks every sweep interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepStale(); n > 0 {
				m.logger.Infof("Swept %d stale tasks", n)
			}
		}
	}
}
