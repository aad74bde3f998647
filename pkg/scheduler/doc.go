/*
Package scheduler is Aura's system entry point.

It owns three priority queues with distinct consumer pools: main (one
serialized dispatcher for normal and scheduled tasks), event (a
configurable pool for lightweight event-triggered tasks), and interrupt
(pre-emptive rules whose handlers bypass the main queue and may cancel
running tasks). Within a queue, tasklets dispatch in priority order,
FIFO among equals; delayed tasklets are promoted when due. Enqueue,
dequeue, promotion, drop and requeue each publish a queue.* event so
observers can mirror queue state without polling; a priority change
publishes none.

Entry points (RunAdHocTask, RunManualTask, Cancel, SetPriority) are
safe for concurrent use from any goroutine. Validation happens before
enqueue: an unknown plan or task, or ill-typed inputs, is surfaced to
the caller synchronously and nothing is enqueued. After admission the
caller observes outcomes through events or polling, never as errors.

The scheduler also hosts the hot-reload supervisor (fsnotify with
debounce: task-file edits invalidate the task cache and announce
task.reloaded, anything else rebuilds the plugin registry under the
writer lock while in-flight tasks keep their admission snapshot), the
interrupt rule evaluator, and cron-armed schedule entries backed by the
optional durable store.
*/
package scheduler
