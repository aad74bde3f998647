package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aurafw/aura/pkg/event"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/aurafw/aura/pkg/types"
)

// ErrQueueClosed is returned from Dequeue after Close
var ErrQueueClosed = errors.New("queue closed")

// promoteInterval bounds how late a delayed tasklet can be promoted
const promoteInterval = 50 * time.Millisecond

type queuedItem struct {
	t     *types.Tasklet
	seq   uint64
	index int
}

type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

// Less orders by priority (lower is more urgent), FIFO among equals
func (h itemHeap) Less(i, j int) bool {
	if h[i].t.Priority != h[j].t.Priority {
		return h[i].t.Priority < h[j].t.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queuedItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// taskQueue is one of the scheduler's priority queues. Enqueue, Dequeue,
// promotion, Remove and Requeue each publish a queue.* visibility event
// so external observers can mirror queue state without polling;
// SetPriority publishes none. Tasklets carrying a future NotBefore sit
// in the delayed set until promoted.
type taskQueue struct {
	name types.QueueName
	bus  *event.Bus

	mu      sync.Mutex
	items   itemHeap
	delayed []*types.Tasklet
	seq     uint64
	closed  bool
	signal  chan struct{}
}

func newTaskQueue(name types.QueueName, bus *event.Bus) *taskQueue {
	return &taskQueue{
		name:   name,
		bus:    bus,
		signal: make(chan struct{}, 1),
	}
}

func (q *taskQueue) publish(name string, t *types.Tasklet) {
	q.bus.PublishAsync(event.New(name, map[string]any{
		"queue":    string(q.name),
		"cid":      t.ID,
		"plan":     t.Plan,
		"task":     t.Task,
		"priority": t.Priority,
	}))
}

func (q *taskQueue) updateDepth() {
	metrics.QueueDepth.WithLabelValues(string(q.name)).Set(float64(len(q.items) + len(q.delayed)))
}

func (q *taskQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue adds a tasklet, delaying it when NotBefore is in the future
func (q *taskQueue) Enqueue(t *types.Tasklet) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	t.Queue = q.name
	if !t.NotBefore.IsZero() && t.NotBefore.After(time.Now()) {
		q.delayed = append(q.delayed, t)
	} else {
		q.seq++
		heap.Push(&q.items, &queuedItem{t: t, seq: q.seq})
	}
	q.updateDepth()
	q.mu.Unlock()

	q.publish("queue.enqueued", t)
	q.wake()
	return nil
}

// promoteLocked moves due delayed tasklets into the ready heap
func (q *taskQueue) promoteLocked(now time.Time) []*types.Tasklet {
	var promoted []*types.Tasklet
	kept := q.delayed[:0]
	for _, t := range q.delayed {
		if t.NotBefore.After(now) {
			kept = append(kept, t)
			continue
		}
		q.seq++
		heap.Push(&q.items, &queuedItem{t: t, seq: q.seq})
		promoted = append(promoted, t)
	}
	q.delayed = kept
	return promoted
}

// Dequeue blocks until a tasklet is ready, the context ends, or the
// queue closes. Tasklets whose cancellation fired while queued are
// returned like any other; the consumer decides to drop them.
func (q *taskQueue) Dequeue(ctx context.Context) (*types.Tasklet, error) {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		for _, t := range q.promoteLocked(time.Now()) {
			q.publish("queue.promoted", t)
		}
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*queuedItem)
			q.updateDepth()
			q.mu.Unlock()
			q.publish("queue.dequeued", item.t)
			return item.t, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-q.signal:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Remove drops a queued tasklet by run id. Returns the tasklet when it
// was still queued (ready or delayed).
func (q *taskQueue) Remove(runID string) *types.Tasklet {
	q.mu.Lock()
	var removed *types.Tasklet
	for i, item := range q.items {
		if item.t.ID == runID {
			removed = item.t
			heap.Remove(&q.items, i)
			break
		}
	}
	if removed == nil {
		for i, t := range q.delayed {
			if t.ID == runID {
				removed = t
				q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
				break
			}
		}
	}
	q.updateDepth()
	q.mu.Unlock()

	if removed != nil {
		q.publish("queue.dropped", removed)
	}
	return removed
}

// Requeue puts a previously dequeued tasklet back at its priority
func (q *taskQueue) Requeue(t *types.Tasklet) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	heap.Push(&q.items, &queuedItem{t: t, seq: q.seq})
	q.updateDepth()
	q.mu.Unlock()

	q.publish("queue.requeued", t)
	q.wake()
	return nil
}

// SetPriority reorders a queued tasklet. Returns false when the tasklet
// is no longer queued (already running or finished).
func (q *taskQueue) SetPriority(runID string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.t.ID == runID {
			item.t.Priority = priority
			heap.Fix(&q.items, i)
			return true
		}
	}
	for _, t := range q.delayed {
		if t.ID == runID {
			t.Priority = priority
			return true
		}
	}
	return false
}

// Snapshot returns the queue's items for external visibility
func (q *taskQueue) Snapshot(state string, limit int) []types.QueueItemInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []types.QueueItemInfo
	add := func(t *types.Tasklet) {
		if limit > 0 && len(out) >= limit {
			return
		}
		out = append(out, types.QueueItemInfo{
			RunID:      t.ID,
			Plan:       t.Plan,
			Task:       t.Task,
			Priority:   t.Priority,
			EnqueuedAt: t.EnqueuedAt,
			NotBefore:  t.NotBefore,
		})
	}
	if state == "" || state == "ready" {
		for _, item := range q.items {
			add(item.t)
		}
	}
	if state == "" || state == "delayed" {
		for _, t := range q.delayed {
			add(t)
		}
	}
	return out
}

// Depths returns (ready, delayed) counts
func (q *taskQueue) Depths() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), len(q.delayed)
}

// Close wakes blocked consumers with ErrQueueClosed. The signal channel
// stays open; the dequeue ticker guarantees consumers notice promptly.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
