/*
Package metrics provides Prometheus instrumentation for the Aura core.

All collectors are package-level variables registered at init and named
under the aura_ prefix: task counts and durations, queue depths,
admission wait, event bus throughput, plugin registry state, and state
planner activity. Handler exposes the standard promhttp endpoint, which
the API server mounts at /metrics.
*/
package metrics
