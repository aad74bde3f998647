/*
Package orchestrator drives task executions for a single plan.

ExecuteTask loads the task definition, validates and binds inputs,
builds the root execution context, invokes the engine, and derives the
task final result (TFR) from the node outcomes. task.started and node.*
events are published from inside the execution; the terminal
task.finished event is published by the component that owns the
tasklet's bookkeeping, after it has removed the tasklet from its
running table.

Every execution runs with the current-plan context value set, so
services resolving per-plan configuration see the right plan even under
concurrent execution of many plans; the value is restored on all exit
paths by construction.

File operations exposed to actions (read, write, delete, list) resolve
symlinks and verify the canonical path is a descendant of the plan's
directory, failing with ErrSandbox otherwise.

PerformConditionCheck evaluates a single action in a throwaway context
for the scheduler's interrupt rules, and RunCheckTask adapts full check
tasks into the boolean probes the state planner consumes.
*/
package orchestrator
