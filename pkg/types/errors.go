package types

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the core failure taxonomy. Components wrap these
// with fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	// ErrValidation marks failures raised before admission: unknown
	// plan/task, missing required input, bad template syntax.
	ErrValidation = errors.New("validation error")

	// ErrAdmissionCancelled marks cancellation while waiting for permits.
	ErrAdmissionCancelled = errors.New("admission cancelled")

	// ErrPlanningFailed marks an exhausted or impossible state plan.
	ErrPlanningFailed = errors.New("state planning failed")

	// ErrCancelled marks explicit or interrupt-initiated cancellation
	// after admission.
	ErrCancelled = errors.New("task cancelled")

	// ErrTimeout marks a tasklet deadline expiry.
	ErrTimeout = errors.New("task timeout")

	// ErrFatalStartup marks conditions that prevent the scheduler from
	// starting: dependency cycles, duplicate plugin ids, bad manifests.
	ErrFatalStartup = errors.New("fatal startup error")
)

// ActionError wraps a failure raised by an action invocation
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// StopTask is a control signal an action returns to end the task early
// with the given status. The engine recognizes it and stops walking the
// step list instead of treating it as a step failure.
type StopTask struct {
	Status ResultStatus
}

func (e *StopTask) Error() string {
	return fmt.Sprintf("stop task with status %s", e.Status)
}

// ClassifyError maps an execution failure to a TFR status and hook
// classification kind.
func ClassifyError(err error) (ResultStatus, string) {
	switch {
	case errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout, "TIMEOUT"
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		return ResultCancelled, "CANCELLED"
	case errors.Is(err, ErrPlanningFailed):
		return ResultPlanningFailed, "PLANNING_FAILED"
	default:
		var ae *ActionError
		if errors.As(err, &ae) {
			return ResultFailed, "OTHER"
		}
		return ResultError, "OTHER"
	}
}
