package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/aurafw/aura/pkg/actions/core"
	"github.com/aurafw/aura/pkg/event"
	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/orchestrator"
	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/task"
	"github.com/aurafw/aura/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Shared test world used by the state-planning scenario.
var (
	worldMu    sync.Mutex
	worldState string
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})

	plugin.RegisterActionImpl("exectest/world_is", func(ctx context.Context, params, services map[string]any) (any, error) {
		worldMu.Lock()
		defer worldMu.Unlock()
		return worldState == params["state"], nil
	})
	plugin.RegisterActionImpl("exectest/world_move", func(ctx context.Context, params, services map[string]any) (any, error) {
		worldMu.Lock()
		defer worldMu.Unlock()
		worldState = params["state"].(string)
		return worldState, nil
	})
	plugin.RegisterHookImpl("exectest/hook_record", func(ctx context.Context, t *types.Tasklet, info *types.ErrorInfo) error {
		recordHook("run", info)
		return nil
	})
}

var (
	hookMu  sync.Mutex
	hookLog []string
)

func recordHook(point string, info *types.ErrorInfo) {
	hookMu.Lock()
	defer hookMu.Unlock()
	if info != nil {
		hookLog = append(hookLog, point+":"+info.Kind)
		return
	}
	hookLog = append(hookLog, point)
}

const execDescriptor = `
actions:
  - name: echo
    entry_point: core/echo
  - name: sleep
    entry_point: core/sleep
  - name: fail
    entry_point: core/fail
  - name: world_is
    entry_point: exectest/world_is
  - name: world_move
    entry_point: exectest/world_move
`

type harness struct {
	manager *Manager
	snap    *Snapshot
	dir     string
}

func newHarness(t *testing.T, cfg Config, stateMap string, taskFiles map[string]string) *harness {
	t.Helper()
	plans := t.TempDir()
	dir := filepath.Join(plans, "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, task.TasksDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile),
		[]byte("author: aura\nname: demo\ntype: plan\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.DescriptorFile),
		[]byte(execDescriptor), 0o644))
	if stateMap != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.StateMapFile),
			[]byte(stateMap), 0o644))
	}
	for name, body := range taskFiles {
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, task.TasksDir, name+".yaml"), []byte(body), 0o644))
	}

	reg, err := plugin.NewLoader(plans, "").Load()
	require.NoError(t, err)
	tasks := task.NewLoader(reg.PlanPath)

	mgr := NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(ctx) //nolint:errcheck
	})

	bus := event.NewBus()
	orch := orchestrator.New("demo", dir, reg, tasks, bus, mgr.Pools())
	snap := &Snapshot{
		Registry:      reg,
		Tasks:         tasks,
		Orchestrators: map[string]*orchestrator.Orchestrator{"demo": orch},
	}
	return &harness{manager: mgr, snap: snap, dir: dir}
}

func newTasklet(plan, taskName string, inputs map[string]any) *types.Tasklet {
	t := types.NewTasklet(orchestrator.MintRunID(plan, taskName), plan, taskName, inputs)
	return t
}

const echoTask = `
steps:
  - name: say
    action: demo.echo
    params:
      value: "{{ inputs.value }}"
returns:
  said: "{{ steps.say.output }}"
`

const sleepTask = `
steps:
  - name: nap
    action: demo.sleep
    params:
      seconds: "{{ inputs.seconds }}"
`

func TestSubmitSuccess(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "", map[string]string{"echo": echoTask})
	tl := newTasklet("demo", "echo", map[string]any{"value": "hi"})

	tfr, err := h.manager.Submit(tl, h.snap)
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, tfr.Status)
	assert.Equal(t, "hi", tfr.UserData["said"])
	assert.Equal(t, types.StatusSucceeded, tl.Status())
}

func TestSubmitUnknownPlan(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "", nil)
	tl := newTasklet("ghost", "x", nil)

	_, err := h.manager.Submit(tl, h.snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, types.StatusFailed, tl.Status())
}

func TestGlobalConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCap = 2
	h := newHarness(t, cfg, "", map[string]string{"sleep": sleepTask})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tl := newTasklet("demo", "sleep", map[string]any{"seconds": 0.1})
			tfr, err := h.manager.Submit(tl, h.snap)
			require.NoError(t, err)
			assert.Equal(t, types.ResultSuccess, tfr.Status)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Two run immediately, the third waits for a permit: the batch
	// cannot finish in a single 100ms window.
	assert.GreaterOrEqual(t, elapsed, 180*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestResourceTagSerializes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCap = 8
	h := newHarness(t, cfg, "", map[string]string{"sleep": sleepTask})

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tl := newTasklet("demo", "sleep", map[string]any{"seconds": 0.1})
			tl.Resources = []string{"screen"}
			_, err := h.manager.Submit(tl, h.snap)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	// Default tag cap is 1: the two tasks must run back to back.
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestAdmissionCancelReleasesNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCap = 1
	h := newHarness(t, cfg, "", map[string]string{"sleep": sleepTask, "echo": echoTask})

	blocker := newTasklet("demo", "sleep", map[string]any{"seconds": 0.3})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.manager.Submit(blocker, h.snap) //nolint:errcheck
	}()
	time.Sleep(50 * time.Millisecond)

	waiter := newTasklet("demo", "echo", map[string]any{"value": "x"})
	done := make(chan error, 1)
	go func() {
		_, err := h.manager.Submit(waiter, h.snap)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	waiter.Cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, IsAdmissionCancelled(err))
	assert.Equal(t, types.StatusCancelled, waiter.Status())
	wg.Wait()

	// The permit freed by the blocker is usable again afterwards.
	after := newTasklet("demo", "echo", map[string]any{"value": "y"})
	tfr, err := h.manager.Submit(after, h.snap)
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, tfr.Status)
}

func TestSubmitTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "", map[string]string{"sleep": sleepTask})
	tl := newTasklet("demo", "sleep", map[string]any{"seconds": 5})
	tl.Timeout = 50 * time.Millisecond

	tfr, err := h.manager.Submit(tl, h.snap)
	require.Error(t, err)
	assert.Equal(t, types.ResultTimeout, tfr.Status)
	assert.Equal(t, types.StatusTimeout, tl.Status())
}

func TestSubmitCancellationMidRun(t *testing.T) {
	h := newHarness(t, DefaultConfig(), "", map[string]string{"sleep": sleepTask})
	tl := newTasklet("demo", "sleep", map[string]any{"seconds": 5})

	go func() {
		time.Sleep(50 * time.Millisecond)
		tl.Cancel()
		tl.Cancel() // idempotent
	}()
	tfr, err := h.manager.Submit(tl, h.snap)
	require.Error(t, err)
	assert.Equal(t, types.ResultCancelled, tfr.Status)
	assert.Equal(t, types.StatusCancelled, tl.Status())
}

const planningStateMap = `
states:
  ready: {check_task: check_ready}
  idle: {check_task: check_idle}
transitions:
  - {from: idle, to: ready, task: go_ready, cost: 1}
`

func planningTasks() map[string]string {
	return map[string]string{
		"check_ready": `
steps:
  - name: probe
    action: demo.world_is
    params:
      state: ready
returns:
  result: "{{ steps.probe.output }}"
`,
		"check_idle": `
steps:
  - name: probe
    action: demo.world_is
    params:
      state: idle
returns:
  result: "{{ steps.probe.output }}"
`,
		"go_ready": `
steps:
  - name: move
    action: demo.world_move
    params:
      state: ready
`,
		"work": `
meta:
  required_state: ready
steps:
  - name: say
    action: demo.echo
    params:
      value: done
`,
	}
}

func TestSubmitRunsStatePlanning(t *testing.T) {
	worldMu.Lock()
	worldState = "idle"
	worldMu.Unlock()

	h := newHarness(t, DefaultConfig(), planningStateMap, planningTasks())
	tl := newTasklet("demo", "work", nil)

	tfr, err := h.manager.Submit(tl, h.snap)
	require.NoError(t, err)
	assert.Equal(t, types.ResultSuccess, tfr.Status)

	worldMu.Lock()
	defer worldMu.Unlock()
	assert.Equal(t, "ready", worldState)
}

func TestSubmitPlanningFailed(t *testing.T) {
	worldMu.Lock()
	worldState = "nowhere"
	worldMu.Unlock()

	h := newHarness(t, DefaultConfig(), planningStateMap, planningTasks())
	tl := newTasklet("demo", "work", nil)

	tfr, err := h.manager.Submit(tl, h.snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPlanningFailed)
	assert.Equal(t, types.ResultPlanningFailed, tfr.Status)
	assert.Equal(t, types.StatusPlanningFailed, tl.Status())
}

func TestHooksFireAroundExecution(t *testing.T) {
	plans := t.TempDir()
	dir := filepath.Join(plans, "demo")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, task.TasksDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile),
		[]byte("author: aura\nname: demo\ntype: plan\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.DescriptorFile), []byte(execDescriptor+`
hooks:
  - point: before_task_run
    entry_point: exectest/hook_record
  - point: after_task_failure
    entry_point: exectest/hook_record
  - point: after_task_run
    entry_point: exectest/hook_record
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, task.TasksDir, "boom.yaml"), []byte(`
steps:
  - name: explode
    action: demo.fail
`), 0o644))

	reg, err := plugin.NewLoader(plans, "").Load()
	require.NoError(t, err)
	tasks := task.NewLoader(reg.PlanPath)
	mgr := NewManager(DefaultConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(ctx) //nolint:errcheck
	}()
	orch := orchestrator.New("demo", dir, reg, tasks, event.NewBus(), mgr.Pools())
	snap := &Snapshot{Registry: reg, Tasks: tasks,
		Orchestrators: map[string]*orchestrator.Orchestrator{"demo": orch}}

	hookMu.Lock()
	hookLog = nil
	hookMu.Unlock()

	tl := newTasklet("demo", "boom", nil)
	_, err = mgr.Submit(tl, snap)
	require.Error(t, err)

	hookMu.Lock()
	defer hookMu.Unlock()
	require.Len(t, hookLog, 3)
	assert.Equal(t, "run", hookLog[0])
	assert.Equal(t, "run:ACTION", hookLog[1])
	assert.Equal(t, "run", hookLog[2])
}

func TestPoolsRejectAfterShutdown(t *testing.T) {
	p := NewPools(1, 1, 100*time.Millisecond)
	ctx := context.Background()

	out, err := p.RunIO(ctx, func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(shutdownCtx))

	_, err = p.RunIO(ctx, func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrPoolsClosed)
}

func TestPoolAbandonsStubbornActionAfterGrace(t *testing.T) {
	p := NewPools(1, 1, 50*time.Millisecond)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx) //nolint:errcheck
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := p.RunIO(ctx, func() (any, error) {
		time.Sleep(400 * time.Millisecond) // ignores cancellation
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestSubmitFairnessAcrossManyTasks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCap = 4
	h := newHarness(t, cfg, "", map[string]string{"echo": echoTask})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tl := newTasklet("demo", "echo", map[string]any{"value": fmt.Sprintf("v%d", i)})
			_, err := h.manager.Submit(tl, h.snap)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
