/*
Package event implements Aura's pattern-matched publish/subscribe bus.

Events carry a dot-separated name (task.started, node.finished), an
opaque payload, and a channel. Subscriptions bind a channel and a glob
pattern ("*" matches any run of characters, "?" exactly one) to a
callback.

# Delivery Semantics

Publish snapshots the matching subscription set under the bus lock, then
dispatches outside it. Each subscription owns a serial delivery queue:
its callback never runs concurrently with itself, while distinct
subscriptions receive events concurrently. Publish waits for all matched
callbacks to finish; callback errors and panics are logged and counted
but never reach the publisher. PublishAsync is the fire-and-forget form.

Subscriptions marked persistent survive ClearNonPersistent, which the
scheduler runs on hot reload to drop per-run listeners.
*/
package event
