package task

import (
	"sync"

	"github.com/entrhq/pilot/pkg/types"
)

// DefaultSubscriberBuffer is the channel buffer of each subscription.
const DefaultSubscriberBuffer = 64

// bus fans task events out to subscribers. Sends never block: a full
// subscriber misses the event.
type bus struct {
	mu     sync.Mutex
	next   int
	byTask map[string]map[int]chan *types.Event
	all    map[int]chan *types.Event
	buffer int
}

func newBus(buffer int) *bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &bus{
		byTask: make(map[string]map[int]chan *types.Event),
		all:    make(map[int]chan *types.Event),
		buffer: buffer,
	}
}

// subscribe registers a channel for taskID, or for every task when taskID
// is empty.
func (b *bus) subscribe(taskID string) (int, chan *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	ch := make(chan *types.Event, b.buffer)
	if taskID == "" {
		b.all[b.next] = ch
		return b.next, ch
	}
	subs, ok := b.byTask[taskID]
	if !ok {
		subs = make(map[int]chan *types.Event)
		b.byTask[taskID] = subs
	}
	subs[b.next] = ch
	return b.next, ch
}

func (b *bus) unsubscribe(taskID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if taskID == "" {
		if ch, ok := b.all[id]; ok {
			delete(b.all, id)
			close(ch)
		}
		return
	}
	if ch, ok := b.byTask[taskID][id]; ok {
		delete(b.byTask[taskID], id)
		close(ch)
	}
}

// publish delivers ev. Terminal events close the task's subscriptions.
func (b *bus) publish(ev *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.byTask[ev.TaskID] {
		send(ch, ev)
	}
	for _, ch := range b.all {
		send(ch, ev)
	}
	if ev.IsTerminal() {
		for _, ch := range b.byTask[ev.TaskID] {
			close(ch)
		}
		delete(b.byTask, ev.TaskID)
	}
}

func (b *bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, subs := range b.byTask {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.byTask, id)
	}
	for id, ch := range b.all {
		close(ch)
		delete(b.all, id)
	}
}

func send(ch chan *types.Event, ev *types.Event) {
	select {
	case ch <- ev:
	default:
	}
}
