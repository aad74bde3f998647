/*
Package state implements the per-plan state planner.

A plan's state map declares named states (optionally with a check task,
priority, and async capability) and directed transitions with
non-negative costs. The planner precomputes forward and reverse
adjacency tables, determines the current state by probing checks in
reverse-BFS order from the target (async-capable checks race first,
then the rest run sequentially), and plans minimum-cost paths with
Dijkstra, breaking ties by fewer hops then deterministic edge order.

ExecutePath runs each transition task and verifies the destination
state with bounded, backed-off retries. EnsureState wraps the whole
loop: on verification failure it probes the current state again and
replans from scratch, giving up with ErrPlanningFailed after the
configured replan budget.
*/
package state
