/*
Package executor is the global execution manager.

Submit runs one tasklet end to end: it atomically acquires the global
concurrency permit plus one permit per resource tag (canonical order,
no partial holds, interruptible by the tasklet's cancellation signal),
coordinates state planning when the task declares a required
precondition state, wraps the remaining work in the task deadline,
fires the before/after lifecycle hooks, and delegates to the target
plan's orchestrator. Permits are released on every exit path.

The manager also owns the worker pools actions run on: an IO pool sized
for blocking work and a separately capped CPU pool. Cancellation of a
pool-dispatched action is cooperative; an action that ignores it is
abandoned after a bounded grace and reported cancelled.
*/
package executor
