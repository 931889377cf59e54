// Package task owns the lifecycle state machine of submitted automation
// tasks.
//
// The Manager drives each task through planning, optional human approval and
// execution, applying the retry policy between attempts. Planning and
// execution run on their own goroutines; every result they deliver carries
// the attempt token it was started with, and a result whose token is no
// longer current (because the task was cancelled, swept or overridden) is
// ignored.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/pilot/pkg/engine"
	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/plan"
	"github.com/entrhq/pilot/pkg/types"
)

// Manager defaults
const (
	DefaultMaxRetries    = 3
	DefaultMaxConcurrent = 8
	DefaultStaleTimeout  = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Planner produces validated plans. *plan.Generator satisfies it.
type Planner interface {
	Generate(ctx context.Context, goal string, page *types.PageModel) (*types.ExecutionPlan, error)
}

// Executor runs plans. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, taskID string, plan *types.ExecutionPlan, reporter engine.Reporter) *types.ExecutionOutcome
}

// Config configures the manager.
type Config struct {
	// MaxRetries is the number of task-level retries after the first attempt
	MaxRetries int

	// MaxConcurrent bounds planning and execution work running at once
	MaxConcurrent int

	Backoff Backoff

	// ApprovalTimeout cancels tasks left awaiting approval; 0 disables
	ApprovalTimeout time.Duration

	// StaleTimeout is how long a task may sit in planning or executing
	// before the sweep treats its worker as lost
	StaleTimeout time.Duration

	// SweepInterval is the period of the stale sweep started by Run
	SweepInterval time.Duration

	// Validator checks plans delivered without a verdict. Nil uses the
	// default policy.
	Validator *plan.Validator

	// Recorder persists tasks and plans after every transition
	Recorder Recorder

	// SubscriberBuffer is the channel buffer of each subscription
	SubscriberBuffer int

	// Now is the clock; nil uses time.Now
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Backoff.Strategy == "" {
		c.Backoff.Strategy = BackoffExponential
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Validator == nil {
		c.Validator = plan.MustValidator(plan.DefaultPolicy())
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    DefaultMaxRetries,
		MaxConcurrent: DefaultMaxConcurrent,
		Backoff:       DefaultBackoff(),
		StaleTimeout:  DefaultStaleTimeout,
		SweepInterval: DefaultSweepInterval,
	}
}

// entry is the manager-owned state of one task. All fields are guarded by
// Manager.mu.
type entry struct {
	task *types.Task
	page *types.PageModel
	plan *types.ExecutionPlan

	// attempt is bumped whenever new work is dispatched or in-flight work
	// is abandoned
	attempt int
	cancel  context.CancelFunc

	approvalRequestedAt time.Time
	approvalTimer       *time.Timer
	retryTimer          *time.Timer

	outcome *types.Event
	done    chan struct{}
}

// Manager is the task lifecycle manager. It is safe for concurrent use.
type Manager struct {
	planner  Planner
	executor Executor
	cfg      Config
	logger   *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	closed  bool

	events  *bus
	records *recordQueue
	sem     chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	stop   context.CancelFunc
}

// NewManager creates a manager. Call Close to stop in-flight work and flush
// pending recorder writes.
func NewManager(planner Planner, executor Executor, cfg Config, logger *logging.Logger) *Manager {
	cfg = cfg.withDefaults()
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		planner:  planner,
		executor: executor,
		cfg:      cfg,
		logger:   logging.OrNop(logger).With("tasks"),
		entries:  make(map[string]*entry),
		events:   newBus(cfg.SubscriberBuffer),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		ctx:      ctx,
		stop:     stop,
	}
	if cfg.Recorder != nil {
		m.records = newRecordQueue(cfg.Recorder, m.logger)
	}
	return m
}

// Submit creates a task for goal against page and starts planning it.
func (m *Manager) Submit(goal string, page *types.PageModel) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", types.NewTaskError(types.ErrorInvalidInput, "goal is required")
	}
	if err := page.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrManagerClosed
	}

	now := m.cfg.Now()
	t := &types.Task{
		ID:         uuid.New().String(),
		Goal:       goal,
		Status:     types.TaskPending,
		MaxRetries: m.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e := &entry{task: t, page: page, done: make(chan struct{})}
	m.entries[t.ID] = e
	m.order = append(m.order, t.ID)
	m.record(e)

	m.logger.Infof("Task %s submitted: %q on %s", t.ID, goal, page)
	m.startPlanning(e)
	return t.ID, nil
}

// GetStatus returns the current snapshot of a task. It never waits on
// in-flight work.
func (m *Manager) GetStatus(taskID string) (*types.TaskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return m.snapshot(e), nil
}

// Task returns a copy of the task record.
func (m *Manager) Task(taskID string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return e.task.Clone(), nil
}

// Plan returns a copy of the task's current plan, or nil before planning
// has produced one.
func (m *Manager) Plan(taskID string) (*types.ExecutionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return e.plan.Clone(), nil
}

// List returns snapshots of every task in submission order.
func (m *Manager) List() []*types.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.TaskSnapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.snapshot(m.entries[id]))
	}
	return out
}

// Counts returns the number of tasks per status.
func (m *Manager) Counts() map[types.TaskStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.TaskStatus]int)
	for _, e := range m.entries {
		counts[e.task.Status]++
	}
	return counts
}

// Wait blocks until the task is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, taskID string) (*types.Task, error) {
	m.mu.Lock()
	e, ok := m.entries[taskID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	select {
	case <-e.done:
		return m.Task(taskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a channel of events for taskID, or for every task when
// taskID is empty, and a function that ends the subscription. Task channels
// close after the terminal outcome event. Subscribing to a task that has
// already finished yields its outcome event on a closed channel.
func (m *Manager) Subscribe(taskID string) (<-chan *types.Event, func(), error) {
	if taskID == "" {
		id, ch := m.events.subscribe("")
		return ch, func() { m.events.unsubscribe("", id) }, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.outcome != nil {
		ch := make(chan *types.Event, 1)
		ch <- e.outcome
		close(ch)
		return ch, func() {}, nil
	}
	id, ch := m.events.subscribe(taskID)
	return ch, func() { m.events.unsubscribe(taskID, id) }, nil
}

// Cancel stops a task in any non-terminal state. In-flight execution is
// asked to stop; the engine finishes the current browser action and then
// releases its session.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status.IsTerminal() {
		return transitionError(taskID, e.task.Status, types.TaskCancelled)
	}

	m.logger.Infof("Task %s cancelled in state %s", taskID, e.task.Status)
	m.finish(e, types.TaskCancelled, types.NewTaskError(types.ErrorCancelled, "task cancelled"), nil)
	return nil
}

// Close cancels all in-flight work, waits for worker goroutines to exit and
// flushes queued recorder writes. Non-terminal tasks are left in their
// current state.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.entries {
		stopTimers(e)
	}
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
	m.events.closeAll()
	if m.records != nil {
		m.records.close()
	}
	return nil
}

// setStatus applies a checked transition and publishes it.
func (m *Manager) setStatus(e *entry, to types.TaskStatus) bool {
	from := e.task.Status
	if !CanTransition(from, to) {
		m.logger.Errorf("Refusing transition: %v", transitionError(e.task.ID, from, to))
		return false
	}
	now := m.cfg.Now()
	e.task.Status = to
	e.task.UpdatedAt = now
	switch to {
	case types.TaskPlanning:
		e.task.PlanningStartedAt = now
	case types.TaskExecuting:
		e.task.ExecutionStartedAt = now
	}
	if to.IsTerminal() {
		e.task.CompletedAt = now
	}

	m.logger.Debugf("Task %s: %s -> %s", e.task.ID, from, to)
	m.events.publish(types.NewStatusEvent(e.task.ID, to, e.task.Progress, e.task.CurrentStep))
	m.record(e)
	return true
}

// finish moves e to a terminal status, abandoning any in-flight work.
func (m *Manager) finish(e *entry, status types.TaskStatus, terr *types.TaskError, steps []types.StepResult) {
	m.abandon(e)
	stopTimers(e)

	e.task.LastError = terr
	if status == types.TaskCompleted {
		e.task.Progress = 100
		e.task.LastError = nil
	}
	if e.plan != nil {
		switch status {
		case types.TaskCompleted:
			e.plan.Status = types.PlanCompleted
		case types.TaskFailed:
			e.plan.Status = types.PlanFailed
		case types.TaskCancelled:
			if e.task.Approval != nil && !e.task.Approval.Approved {
				e.plan.Status = types.PlanRejected
			} else {
				e.plan.Status = types.PlanCancelled
			}
		}
	}
	if !m.setStatus(e, status) {
		return
	}
	m.recordPlan(e)

	if steps == nil && e.plan != nil {
		for _, s := range e.plan.Ordered() {
			steps = append(steps, types.StepResult{Step: s.Step, Kind: s.Kind, Status: s.Status, Attempts: s.Attempts, Result: s.Result})
		}
	}
	outcome := types.TerminalOutcome{
		Success:  status == types.TaskCompleted,
		Status:   status,
		Duration: e.task.Duration(m.cfg.Now()),
		Steps:    steps,
		Err:      terr.Clone(),
	}
	for _, s := range steps {
		if s.Result == nil {
			continue
		}
		if s.Result.BeforeEvidence != "" {
			outcome.Evidence = append(outcome.Evidence, s.Result.BeforeEvidence)
		}
		if s.Result.AfterEvidence != "" {
			outcome.Evidence = append(outcome.Evidence, s.Result.AfterEvidence)
		}
	}
	ev := types.NewOutcomeEvent(e.task.ID, e.task.Progress, outcome)
	e.outcome = ev
	m.events.publish(ev)
	close(e.done)

	if terr != nil && status == types.TaskFailed {
		m.logger.Warnf("Task %s failed after %d retries: %v", e.task.ID, e.task.RetryCount, terr)
	} else {
		m.logger.Infof("Task %s finished: %s in %s", e.task.ID, status, outcome.Duration.Round(time.Millisecond))
	}
}

// abandon invalidates and cancels any in-flight work for e.
func (m *Manager) abandon(e *entry) {
	e.attempt++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// retryOrFail schedules a retry when terr is retryable and the budget
// allows, or fails the task. resume is the status the retry re-enters.
func (m *Manager) retryOrFail(e *entry, terr *types.TaskError, resume types.TaskStatus) {
	m.abandon(e)
	if !terr.Retryable() || e.task.RetryCount >= e.task.MaxRetries {
		if terr.Retryable() {
			terr.Detail.Attempts = e.task.RetryCount + 1
		}
		m.finish(e, types.TaskFailed, terr, nil)
		return
	}

	e.task.RetryCount++
	e.task.LastError = terr
	m.setStatus(e, types.TaskRetrying)

	delay := m.cfg.Backoff.Delay(e.task.RetryCount)
	token := e.attempt
	id := e.task.ID
	m.logger.Infof("Task %s retry %d/%d in %s (%s): %s", id, e.task.RetryCount, e.task.MaxRetries, delay, resume, terr.Message)
	e.retryTimer = time.AfterFunc(delay, func() { m.resume(id, token, resume) })
}

// resume re-enters planning or execution after a backoff.
func (m *Manager) resume(taskID string, token int, to types.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok || m.closed || e.attempt != token || e.task.Status != types.TaskRetrying {
		return
	}
	e.retryTimer = nil
	if to == types.TaskExecuting && e.plan != nil {
		m.startExecution(e)
		return
	}
	m.startPlanning(e)
}

// dispatch runs work on a goroutine holding a concurrency slot. work
// receives the token identifying its attempt.
func (m *Manager) dispatch(e *entry, work func(ctx context.Context, token int)) {
	e.attempt++
	token := e.attempt
	if m.closed {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-m.sem }()
		work(ctx, token)
	}()
}

func (m *Manager) snapshot(e *entry) *types.TaskSnapshot {
	t := e.task
	return &types.TaskSnapshot{
		ID:          t.ID,
		Goal:        t.Goal,
		Status:      t.Status,
		Progress:    t.Progress,
		CurrentStep: t.CurrentStep,
		Duration:    t.Duration(m.cfg.Now()),
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		SessionID:   t.SessionID,
		PlanVersion: t.PlanVersion,
		LastError:   t.LastError.Clone(),
	}
}

// lookup returns the entry only if token is still its current attempt.
func (m *Manager) lookup(taskID string, token int) (*entry, bool) {
	e, ok := m.entries[taskID]
	if !ok || e.attempt != token {
		return nil, false
	}
	return e, true
}

func stopTimers(e *entry) {
	if e.approvalTimer != nil {
		e.approvalTimer.Stop()
		e.approvalTimer = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// applySteps copies an outcome's step results into p and returns them in
// step order.
func applySteps(p *types.ExecutionPlan, steps []types.StepResult) []types.StepResult {
	if p == nil {
		return steps
	}
	for _, sr := range steps {
		if s := p.Step(sr.Step); s != nil {
			s.Status = sr.Status
			s.Attempts = sr.Attempts
			s.Result = sr.Result
		}
	}
	out := append([]types.StepResult(nil), steps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}
