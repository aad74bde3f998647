package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aurafw/aura/pkg/engine"
	"github.com/aurafw/aura/pkg/event"
	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/task"
	"github.com/aurafw/aura/pkg/template"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the per-plan configuration file exposed to templates
// under the config root.
const ConfigFile = "config.yaml"

// Orchestrator drives task executions for one loaded plan: it loads the
// definition, builds the root context, runs the engine, and publishes
// lifecycle events. File access it exposes is sandboxed to the plan's
// directory.
type Orchestrator struct {
	plan       string
	root       string
	registry   *plugin.Registry
	tasks      *task.Loader
	bus        *event.Bus
	dispatcher engine.Dispatcher
	planConfig map[string]any
	logger     zerolog.Logger
}

// New creates the orchestrator for one plan
func New(plan, root string, reg *plugin.Registry, tasks *task.Loader, bus *event.Bus, dispatcher engine.Dispatcher) *Orchestrator {
	o := &Orchestrator{
		plan:       plan,
		root:       root,
		registry:   reg,
		tasks:      tasks,
		bus:        bus,
		dispatcher: dispatcher,
		logger:     log.WithComponent("orchestrator").With().Str("plan", plan).Logger(),
	}
	o.planConfig = o.loadPlanConfig()
	return o
}

// loadPlanConfig reads the plan's optional config.yaml once at
// construction; it is re-read naturally on hot reload because reload
// rebuilds the orchestrators.
func (o *Orchestrator) loadPlanConfig() map[string]any {
	data, err := os.ReadFile(filepath.Join(o.root, ConfigFile))
	if err != nil {
		return nil
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		o.logger.Warn().Err(err).Msg("Bad plan config file, ignoring")
		return nil
	}
	return cfg
}

// Plan returns the plan name this orchestrator serves
func (o *Orchestrator) Plan() string { return o.plan }

// MintRunID produces a run identifier in <plan>/<task>:<ms_epoch> form
func MintRunID(plan, taskName string) string {
	return fmt.Sprintf("%s/%s:%d", plan, taskName, time.Now().UnixMilli())
}

// ExecuteTask runs one task to completion and returns its final result.
// The runID is normally minted by the scheduler at enqueue time (it
// doubles as the external cid); sub-executions pass "" to mint one here.
// task.started and node.* events are published from inside; the terminal
// task.finished event is the caller's responsibility, published after
// its own bookkeeping.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskName string, inputs map[string]any, runID string) (*types.TaskResult, error) {
	ctx = WithCurrentPlan(ctx, o.plan)
	if runID == "" {
		runID = MintRunID(o.plan, taskName)
	}
	startTime := time.Now()
	timer := metrics.NewTimer()

	tfr := &types.TaskResult{
		RunID:     runID,
		Plan:      o.plan,
		Task:      taskName,
		StartTime: startTime,
	}
	fail := func(status types.ResultStatus, kind string, err error) (*types.TaskResult, error) {
		tfr.Status = status
		tfr.ErrorInfo = &types.ErrorInfo{Kind: kind, Message: err.Error()}
		o.finish(tfr, timer)
		return tfr, err
	}

	def, err := o.tasks.GetTaskData(o.plan, taskName)
	if err != nil {
		return fail(types.ResultError, "VALIDATION", err)
	}
	bound, err := task.ValidateInputs(def, inputs)
	if err != nil {
		return fail(types.ResultError, "VALIDATION", err)
	}

	o.bus.Publish(event.New("task.started", map[string]any{
		"run_id": runID,
		"plan":   o.plan,
		"task":   taskName,
	}))

	root := engine.NewContext(bound)
	root.SetConfig(o.planConfig)
	eng := engine.New(o.registry, o.dispatcher)
	results, execErr := eng.Execute(ctx, def, root, func(kind, step string, payload map[string]any) {
		data := map[string]any{
			"run_id": runID,
			"plan":   o.plan,
			"task":   taskName,
			"node":   step,
		}
		for k, v := range payload {
			data[k] = v
		}
		o.bus.Publish(event.New(kind, data))
	})
	tfr.NodeResults = results

	status, kind := o.classify(results, execErr)
	tfr.Status = status
	if execErr != nil && status != types.ResultSuccess {
		tfr.ErrorInfo = &types.ErrorInfo{Kind: kind, Message: execErr.Error()}
	}

	if status == types.ResultSuccess && len(def.Returns) > 0 {
		rendered, err := template.RenderValue(def.Returns, root.Scope())
		if err != nil {
			return fail(types.ResultError, "RENDER", fmt.Errorf("failed to render returns: %w", err))
		}
		tfr.UserData, _ = rendered.(map[string]any)
	}

	o.finish(tfr, timer)
	if status == types.ResultSuccess {
		return tfr, nil
	}
	if execErr == nil {
		execErr = fmt.Errorf("task %s/%s finished with status %s", o.plan, taskName, status)
	}
	return tfr, execErr
}

func (o *Orchestrator) classify(results map[string]*types.NodeResult, execErr error) (types.ResultStatus, string) {
	if execErr == nil {
		return engine.FinalStatus(results), "OTHER"
	}
	var stop *types.StopTask
	if errors.As(execErr, &stop) {
		return stop.Status, "OTHER"
	}
	if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execErr, types.ErrTimeout) {
		return types.ResultTimeout, "TIMEOUT"
	}
	if errors.Is(execErr, context.Canceled) || errors.Is(execErr, types.ErrCancelled) {
		return types.ResultCancelled, "CANCELLED"
	}
	var ae *types.ActionError
	if errors.As(execErr, &ae) {
		return types.ResultFailed, "ACTION"
	}
	return types.ResultError, "INTERNAL"
}

func (o *Orchestrator) finish(tfr *types.TaskResult, timer *metrics.Timer) {
	tfr.EndTime = time.Now()
	tfr.Duration = tfr.EndTime.Sub(tfr.StartTime)
	timer.ObserveDurationVec(metrics.TaskDuration, o.plan)

	evt := o.logger.Info()
	if tfr.Status != types.ResultSuccess {
		evt = o.logger.Warn()
	}
	evt.Str("run_id", tfr.RunID).
		Str("task", tfr.Task).
		Str("status", string(tfr.Status)).
		Dur("duration", tfr.Duration).
		Msg("Task execution finished")
}

// RunCheckTask executes a state-check task and interprets its outcome
// as a boolean: the check holds when the task succeeds and, if its
// returns block produced a result entry, that entry is truthy.
func (o *Orchestrator) RunCheckTask(ctx context.Context, taskName string) (bool, error) {
	tfr, err := o.ExecuteTask(ctx, taskName, nil, "")
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	if result, ok := tfr.UserData["result"]; ok {
		return template.Truthy(result), nil
	}
	return tfr.Status == types.ResultSuccess, nil
}

// PerformConditionCheck invokes a single action in a throwaway context
// and interprets its output as a boolean. Used by interrupt rules.
func (o *Orchestrator) PerformConditionCheck(ctx context.Context, cond types.ConditionDef) (bool, error) {
	ctx = WithCurrentPlan(ctx, o.plan)

	entry, err := o.registry.ResolveAction(cond.Action)
	if err != nil {
		return false, err
	}
	services, err := o.registry.ResolveServices(entry.Requires)
	if err != nil {
		return false, err
	}

	throwaway := engine.NewContext(nil)
	rendered, err := template.RenderValue(cond.Params, throwaway.Scope())
	if err != nil {
		return false, err
	}
	params, _ := rendered.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	actionCtx := engine.WithRunScope(ctx, &engine.RunScope{
		Context:   throwaway,
		Heartbeat: func() {},
	})
	out, err := entry.Fn(actionCtx, params, services)
	if err != nil {
		return false, err
	}
	return template.Truthy(out), nil
}
