package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/aurafw/aura/pkg/event"
	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testQueue() *taskQueue {
	return newTaskQueue(types.QueueMain, event.NewBus())
}

func tasklet(id string, priority int) *types.Tasklet {
	t := types.NewTasklet(id, "demo", "t", nil)
	t.Priority = priority
	return t
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := testQueue()
	require.NoError(t, q.Enqueue(tasklet("low", 100)))
	require.NoError(t, q.Enqueue(tasklet("urgent", 1)))
	require.NoError(t, q.Enqueue(tasklet("mid", 50)))

	ctx := context.Background()
	for _, want := range []string{"urgent", "mid", "low"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}
}

func TestQueueFIFOAmongEqualPriorities(t *testing.T) {
	q := testQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(tasklet(id, 10)))
	}
	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}
}

func TestQueueDelayedPromotion(t *testing.T) {
	q := testQueue()
	delayed := tasklet("later", 1)
	delayed.NotBefore = time.Now().Add(80 * time.Millisecond)
	require.NoError(t, q.Enqueue(delayed))
	require.NoError(t, q.Enqueue(tasklet("now", 50)))

	ready, waiting := q.Depths()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, waiting)

	ctx := context.Background()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", first.ID)

	start := time.Now()
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", second.ID)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := testQueue()
	done := make(chan *types.Tasklet, 1)
	go func() {
		got, err := q.Dequeue(context.Background())
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Enqueue(tasklet("x", 1)))

	select {
	case got := <-done:
		assert.Equal(t, "x", got.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestQueueDequeueHonoursContext(t *testing.T) {
	q := testQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueRemove(t *testing.T) {
	q := testQueue()
	require.NoError(t, q.Enqueue(tasklet("keep", 1)))
	require.NoError(t, q.Enqueue(tasklet("drop", 2)))

	removed := q.Remove("drop")
	require.NotNil(t, removed)
	assert.Equal(t, "drop", removed.ID)
	assert.Nil(t, q.Remove("drop"))

	delayed := tasklet("sleepy", 1)
	delayed.NotBefore = time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(delayed))
	require.NotNil(t, q.Remove("sleepy"))
}

func TestQueueRequeuePutsTaskBack(t *testing.T) {
	q := testQueue()
	require.NoError(t, q.Enqueue(tasklet("x", 10)))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	ready, _ := q.Depths()
	assert.Equal(t, 0, ready)

	require.NoError(t, q.Requeue(got))
	again, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", again.ID)

	q.Close()
	assert.ErrorIs(t, q.Requeue(got), ErrQueueClosed)
}

func TestQueueSetPriorityReorders(t *testing.T) {
	q := testQueue()
	require.NoError(t, q.Enqueue(tasklet("a", 50)))
	require.NoError(t, q.Enqueue(tasklet("b", 60)))

	require.True(t, q.SetPriority("b", 1))
	assert.False(t, q.SetPriority("nope", 1))

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestQueueCloseUnblocksConsumer(t *testing.T) {
	q := testQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer not released on close")
	}

	assert.ErrorIs(t, q.Enqueue(tasklet("x", 1)), ErrQueueClosed)
}

func TestQueueVisibilityEvents(t *testing.T) {
	bus := event.NewBus()
	seen := make(chan string, 16)
	bus.Subscribe("*", "queue.*", func(e *event.Event) error {
		seen <- e.Name
		return nil
	}, "test", false)

	q := newTaskQueue(types.QueueMain, bus)
	require.NoError(t, q.Enqueue(tasklet("x", 1)))
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	expect := map[string]bool{"queue.enqueued": false, "queue.dequeued": false}
	deadline := time.After(time.Second)
	for len(expect) > 0 {
		select {
		case name := <-seen:
			delete(expect, name)
		case <-deadline:
			t.Fatalf("missing queue events: %v", expect)
		}
	}
}
