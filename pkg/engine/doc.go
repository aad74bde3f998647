/*
Package engine executes one task's step list within a run.

For each step the engine evaluates the optional when guard, expands the
optional loop expression into per-item child contexts, resolves the
action by fully qualified id, injects the services the action declared,
renders params against the run's scope, and dispatches the call to the
IO or CPU pool. Outcomes are recorded as node results and threaded
forward through the context so later steps can reference
steps.<name>.output.

Failures become step failures; a step's on_error block runs in the same
context and, if it completes, execution continues with the next step.
Cancellation, deadline expiry, and StopTask control signals are never
swallowed by on_error handling.

The Context type holds the per-run scope (inputs, steps, ctx cells,
nodes) and is reachable from inside actions via ScopeFromContext, which
also exposes the heartbeat hook long-running actions use to emit
node.heartbeat events.
*/
package engine
