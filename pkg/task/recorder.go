package task

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/types"
)

// recordTimeout bounds a single recorder call.
const recordTimeout = 2 * time.Second

// Recorder persists task and plan state. It receives copies of the records
// after every transition, in transition order, from a single writer
// goroutine that never holds the manager lock. *store.SQLite satisfies it.
type Recorder interface {
	RecordTask(ctx context.Context, t *types.Task) error
	RecordPlan(ctx context.Context, taskID string, p *types.ExecutionPlan) error
}

// record is one queued write: a task copy or a plan copy.
type record struct {
	task   *types.Task
	taskID string
	plan   *types.ExecutionPlan
}

// recordQueue hands copies taken under the manager lock to the writer
// goroutine. The queue is unbounded so enqueueing never blocks a transition.
type recordQueue struct {
	recorder Recorder
	logger   *logging.Logger

	mu      sync.Mutex
	pending []record
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newRecordQueue(recorder Recorder, logger *logging.Logger) *recordQueue {
	q := &recordQueue{
		recorder: recorder,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *recordQueue) push(r record) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debugf("Dropping record of task %s after close", r.id())
		return
	}
	q.pending = append(q.pending, r)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *recordQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, r := range batch {
			q.write(r)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-q.wake
		}
	}
}

func (q *recordQueue) write(r record) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if r.plan != nil {
		if err := q.recorder.RecordPlan(ctx, r.taskID, r.plan); err != nil {
			q.logger.Warnf("Failed to record plan v%d of task %s: %v", r.plan.Version, r.taskID, err)
		}
		return
	}
	if err := q.recorder.RecordTask(ctx, r.task); err != nil {
		q.logger.Warnf("Failed to record task %s: %v", r.task.ID, err)
	}
}

// close stops accepting records and waits until the queued ones are written.
func (q *recordQueue) close() {
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()
	if !already {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	<-q.done
}

func (r record) id() string {
	if r.task != nil {
		return r.task.ID
	}
	return r.taskID
}

// record queues a copy of the task. Callers hold m.mu.
func (m *Manager) record(e *entry) {
	if m.records == nil {
		return
	}
	m.records.push(record{task: e.task.Clone()})
}

// recordPlan queues a copy of the current plan. Callers hold m.mu.
func (m *Manager) recordPlan(e *entry) {
	if m.records == nil || e.plan == nil {
		return
	}
	m.records.push(record{taskID: e.task.ID, plan: e.plan.Clone()})
}
