/*
Package types defines the core data structures used throughout Aura.

This package contains the fundamental types that represent the execution
core's domain model: tasklets and their lifecycle statuses, task
definitions and steps, task final results, plugin and schedule metadata,
state maps, and the error taxonomy shared by every other package.

# Core Types

Task Execution:
  - Tasklet: one in-flight execution of a (plan, task) pair
  - TaskStatus: QUEUED through the terminal statuses
  - TaskResult: the task final result (TFR) carried by task.finished
  - NodeResult: per-step outcome within one run

Definitions:
  - TaskDefinition, Step, InputDecl: parsed task files
  - StateMap, StateSpec, Transition: per-plan state graphs
  - InterruptRule, ScheduleEntry: scheduler rule and schedule records

Errors:
  - Sentinel errors (ErrValidation, ErrCancelled, ...) for the failure
    taxonomy, wrapped with %w and classified with errors.Is
  - ActionError and StopTask control signals consumed by the engine

Tasklets own their cancellation scope: Cancel is idempotent and the first
terminal status a tasklet reaches is the one it keeps.
*/
package types
