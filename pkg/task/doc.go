/*
Package task loads and caches task definitions.

Task files live under <plan>/tasks/<name>.yaml and parse into
types.TaskDefinition. Parsed definitions are cached keyed by
(plan, task, mtime): touching the file invalidates the entry naturally,
and the hot-reload supervisor calls Invalidate for prompt eviction.

ValidateInputs applies a task's input declarations to caller-provided
bindings: required inputs must be present, defaults fill gaps, and typed
declarations reject ill-typed values before the tasklet is enqueued.
*/
package task
