package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/template"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher runs action bodies on the execution manager's worker
// pools: IO-bound work on the thread-like IO pool, CPU-bound work on
// the separately capped CPU pool.
type Dispatcher interface {
	RunIO(ctx context.Context, fn func() (any, error)) (any, error)
	RunCPU(ctx context.Context, fn func() (any, error)) (any, error)
}

// EventCallback receives node lifecycle events (node.started,
// node.heartbeat, node.finished) for publication by the orchestrator.
type EventCallback func(kind, step string, payload map[string]any)

// Engine walks a task definition's step list within one run: guards,
// loops, service injection, action dispatch, and error recovery.
type Engine struct {
	registry   *plugin.Registry
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// New creates an engine over a registry snapshot and a dispatcher
func New(reg *plugin.Registry, dispatcher Dispatcher) *Engine {
	return &Engine{
		registry:   reg,
		dispatcher: dispatcher,
		logger:     log.WithComponent("engine"),
	}
}

// Execute runs the definition's steps against the root context and
// returns the per-step node results. The returned error is nil when
// every step succeeded, was skipped, or was recovered by an on_error
// block. A *types.StopTask error means an action ended the task early
// with an explicit status.
func (e *Engine) Execute(ctx context.Context, def *types.TaskDefinition, root *Context, onEvent EventCallback) (map[string]*types.NodeResult, error) {
	if onEvent == nil {
		onEvent = func(string, string, map[string]any) {}
	}
	results := make(map[string]*types.NodeResult)

	err := e.runSteps(ctx, def.Steps, root, results, onEvent)
	if err != nil && len(def.OnError) > 0 && !isControl(err) {
		if recoverErr := e.runSteps(ctx, def.OnError, root, results, onEvent); recoverErr != nil {
			e.logger.Error().Err(recoverErr).Msg("Task-level on_error handler failed")
		}
	}
	return results, err
}

// isControl reports errors that on_error blocks must not swallow
func isControl(err error) bool {
	var stop *types.StopTask
	return errors.As(err, &stop) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) runSteps(ctx context.Context, steps []types.Step, c *Context, results map[string]*types.NodeResult, onEvent EventCallback) error {
	for i := range steps {
		step := &steps[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		if step.When != "" {
			ok, err := template.EvalBool(step.When, c.Scope())
			if err != nil {
				return e.failStep(ctx, step, c, results, onEvent, time.Now(),
					fmt.Errorf("failed to evaluate guard for step %s: %w", step.Name, err))
			}
			if !ok {
				e.recordNode(step.Name, c, results, &types.NodeResult{
					Status:  types.NodeSkipped,
					StartMS: time.Now().UnixMilli(),
					EndMS:   time.Now().UnixMilli(),
				})
				onEvent("node.finished", step.Name, map[string]any{"status": string(types.NodeSkipped)})
				continue
			}
		}

		var err error
		if step.Loop != "" {
			err = e.runLoopStep(ctx, step, c, results, onEvent)
		} else {
			err = e.runSingleStep(ctx, step, c, results, onEvent)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runSingleStep(ctx context.Context, step *types.Step, c *Context, results map[string]*types.NodeResult, onEvent EventCallback) error {
	start := time.Now()
	onEvent("node.started", step.Name, nil)

	output, err := e.invoke(ctx, step, c, onEvent)
	if err != nil {
		return e.failStep(ctx, step, c, results, onEvent, start, err)
	}

	c.SetStepOutput(step.Name, output)
	e.recordNode(step.Name, c, results, &types.NodeResult{
		Status:  types.NodeSuccess,
		Output:  output,
		StartMS: start.UnixMilli(),
		EndMS:   time.Now().UnixMilli(),
	})
	onEvent("node.finished", step.Name, map[string]any{"status": string(types.NodeSuccess)})
	return nil
}

func (e *Engine) runLoopStep(ctx context.Context, step *types.Step, c *Context, results map[string]*types.NodeResult, onEvent EventCallback) error {
	start := time.Now()
	onEvent("node.started", step.Name, nil)

	seq, err := template.RenderSequence(step.Loop, c.Scope())
	if err != nil {
		return e.failStep(ctx, step, c, results, onEvent, start,
			fmt.Errorf("failed to render loop for step %s: %w", step.Name, err))
	}

	iterations := make([]any, 0, len(seq))
	for idx, item := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		child := c.Child(item, idx)
		output, err := e.invoke(ctx, step, child, onEvent)
		if err != nil {
			return e.failStep(ctx, step, c, results, onEvent, start, err)
		}
		iterations = append(iterations, map[string]any{
			"status": string(types.NodeSuccess),
			"output": output,
		})
	}

	c.SetStepOutput(step.Name, iterations)
	e.recordNode(step.Name, c, results, &types.NodeResult{
		Status:  types.NodeSuccess,
		Output:  iterations,
		StartMS: start.UnixMilli(),
		EndMS:   time.Now().UnixMilli(),
	})
	onEvent("node.finished", step.Name, map[string]any{
		"status":     string(types.NodeSuccess),
		"iterations": len(iterations),
	})
	return nil
}

// invoke resolves the step's action, injects its declared services,
// renders params, and dispatches the call to the right pool.
func (e *Engine) invoke(ctx context.Context, step *types.Step, c *Context, onEvent EventCallback) (any, error) {
	entry, err := e.registry.ResolveAction(step.Action)
	if err != nil {
		return nil, err
	}

	services, err := e.registry.ResolveServices(entry.Requires)
	if err != nil {
		return nil, &types.ActionError{Action: step.Action, Err: err}
	}

	rendered, err := template.RenderValue(step.Params, c.Scope())
	if err != nil {
		return nil, &types.ActionError{
			Action: step.Action,
			Err:    fmt.Errorf("failed to render params: %w", err),
		}
	}
	params, _ := rendered.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	stepName := step.Name
	actionCtx := WithRunScope(ctx, &RunScope{
		Context:   c,
		Heartbeat: func() { onEvent("node.heartbeat", stepName, nil) },
	})

	run := func() (any, error) {
		return entry.Fn(actionCtx, params, services)
	}

	var output any
	if entry.CPUBound {
		output, err = e.dispatcher.RunCPU(ctx, run)
	} else {
		output, err = e.dispatcher.RunIO(ctx, run)
	}
	if err != nil {
		var stop *types.StopTask
		if errors.As(err, &stop) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &types.ActionError{Action: step.Action, Err: err}
	}
	return output, nil
}

// failStep records the failure, runs the step's on_error block if there
// is one, and decides whether the failure propagates.
func (e *Engine) failStep(ctx context.Context, step *types.Step, c *Context, results map[string]*types.NodeResult, onEvent EventCallback, start time.Time, cause error) error {
	var stop *types.StopTask
	if errors.As(cause, &stop) {
		e.recordNode(step.Name, c, results, &types.NodeResult{
			Status:  types.NodeSuccess,
			StartMS: start.UnixMilli(),
			EndMS:   time.Now().UnixMilli(),
		})
		onEvent("node.finished", step.Name, map[string]any{"status": string(types.NodeSuccess)})
		return stop
	}

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		e.recordNode(step.Name, c, results, &types.NodeResult{
			Status:  types.NodeCancelled,
			Error:   cause.Error(),
			StartMS: start.UnixMilli(),
			EndMS:   time.Now().UnixMilli(),
		})
		onEvent("node.finished", step.Name, map[string]any{"status": string(types.NodeCancelled)})
		return cause
	}

	e.recordNode(step.Name, c, results, &types.NodeResult{
		Status:  types.NodeFailed,
		Error:   cause.Error(),
		StartMS: start.UnixMilli(),
		EndMS:   time.Now().UnixMilli(),
	})
	onEvent("node.finished", step.Name, map[string]any{
		"status": string(types.NodeFailed),
		"error":  cause.Error(),
	})

	if len(step.OnError) > 0 {
		e.logger.Debug().Str("step", step.Name).Msg("Running step on_error handler")
		if err := e.runSteps(ctx, step.OnError, c, results, onEvent); err != nil {
			return err
		}
		return nil
	}
	return cause
}

func (e *Engine) recordNode(name string, c *Context, results map[string]*types.NodeResult, node *types.NodeResult) {
	results[name] = node
	c.SetNode(name, map[string]any{
		"status":   string(node.Status),
		"start_ms": node.StartMS,
		"end_ms":   node.EndMS,
	})
}

// FinalStatus derives a task's outcome from its node results: any
// failed node makes the task FAILED, otherwise it succeeded.
func FinalStatus(results map[string]*types.NodeResult) types.ResultStatus {
	for _, n := range results {
		if n.Status == types.NodeFailed {
			return types.ResultFailed
		}
	}
	return types.ResultSuccess
}
