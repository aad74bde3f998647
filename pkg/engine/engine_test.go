package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/aurafw/aura/pkg/actions/core"
	"github.com/aurafw/aura/pkg/engine"
	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

const coreManifest = "author: aura\nname: core\ntype: plan\n"

const coreDescriptor = `
actions:
  - name: log
    entry_point: core/log
  - name: echo
    entry_point: core/echo
  - name: sleep
    entry_point: core/sleep
  - name: set
    entry_point: core/set
  - name: fail
    entry_point: core/fail
  - name: stop
    entry_point: core/stop
  - name: now
    entry_point: core/now
    requires_services:
      clock: core/clock
services:
  - alias: clock
    entry_point: core/clock
`

func coreRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	plans := t.TempDir()
	dir := filepath.Join(plans, "core")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(coreManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.DescriptorFile), []byte(coreDescriptor), 0o644))

	reg, err := plugin.NewLoader(plans, "").Load()
	require.NoError(t, err)
	return reg
}

type syncDispatcher struct{}

func (syncDispatcher) RunIO(ctx context.Context, fn func() (any, error)) (any, error)  { return fn() }
func (syncDispatcher) RunCPU(ctx context.Context, fn func() (any, error)) (any, error) { return fn() }

func parseTask(t *testing.T, body string) *types.TaskDefinition {
	t.Helper()
	var def types.TaskDefinition
	require.NoError(t, yaml.Unmarshal([]byte(body), &def))
	return &def
}

type recordedEvent struct {
	kind string
	step string
}

func runTask(t *testing.T, body string, inputs map[string]any) (map[string]*types.NodeResult, *engine.Context, []recordedEvent, error) {
	t.Helper()
	e := engine.New(coreRegistry(t), syncDispatcher{})
	root := engine.NewContext(inputs)
	var events []recordedEvent
	results, err := e.Execute(context.Background(), parseTask(t, body), root,
		func(kind, step string, payload map[string]any) {
			events = append(events, recordedEvent{kind: kind, step: step})
		})
	return results, root, events, err
}

func TestExecuteHelloTask(t *testing.T) {
	results, _, events, err := runTask(t, `
steps:
  - name: print_greeting
    action: core.log
    params:
      message: "Hello, {{ inputs.name }}!"
      level: INFO
`, map[string]any{"name": "World"})
	require.NoError(t, err)

	require.Contains(t, results, "print_greeting")
	node := results["print_greeting"]
	assert.Equal(t, types.NodeSuccess, node.Status)
	assert.Equal(t, "Hello, World!", node.Output)
	assert.GreaterOrEqual(t, node.EndMS, node.StartMS)

	require.Len(t, events, 2)
	assert.Equal(t, recordedEvent{"node.started", "print_greeting"}, events[0])
	assert.Equal(t, recordedEvent{"node.finished", "print_greeting"}, events[1])

	assert.Equal(t, types.ResultSuccess, engine.FinalStatus(results))
}

func TestExecuteEmptyStepsSucceeds(t *testing.T) {
	results, _, events, err := runTask(t, "steps: []\n", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, events)
	assert.Equal(t, types.ResultSuccess, engine.FinalStatus(results))
}

func TestStepOutputsThreadForward(t *testing.T) {
	results, _, _, err := runTask(t, `
steps:
  - name: first
    action: core.echo
    params:
      value: "alpha"
  - name: second
    action: core.echo
    params:
      value: "{{ steps.first.output }}-beta"
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha-beta", results["second"].Output)
}

func TestWhenGuardSkipsStep(t *testing.T) {
	results, _, events, err := runTask(t, `
steps:
  - name: gated
    action: core.echo
    when: "{{ inputs.enabled }}"
    params:
      value: "never"
  - name: always
    action: core.echo
    params:
      value: "ran"
`, map[string]any{"enabled": false})
	require.NoError(t, err)

	assert.Equal(t, types.NodeSkipped, results["gated"].Status)
	assert.Equal(t, types.NodeSuccess, results["always"].Status)

	// Skipped steps emit only node.finished.
	assert.Equal(t, recordedEvent{"node.finished", "gated"}, events[0])
	assert.Equal(t, types.ResultSuccess, engine.FinalStatus(results))
}

func TestLoopBindsItemAndIndex(t *testing.T) {
	results, _, _, err := runTask(t, `
steps:
  - name: fan
    action: core.echo
    loop: "{{ inputs.items }}"
    params:
      value: "{{ loop.index }}:{{ item }}"
`, map[string]any{"items": []any{"a", "b", "c"}})
	require.NoError(t, err)

	node := results["fan"]
	require.Equal(t, types.NodeSuccess, node.Status)
	iterations := node.Output.([]any)
	require.Len(t, iterations, 3)
	assert.Equal(t, "0:a", iterations[0].(map[string]any)["output"])
	assert.Equal(t, "2:c", iterations[2].(map[string]any)["output"])
}

func TestOnErrorRecoversAndContinues(t *testing.T) {
	results, _, _, err := runTask(t, `
steps:
  - name: fragile
    action: core.fail
    params:
      message: "boom"
    on_error:
      - name: recover
        action: core.echo
        params:
          value: "recovered"
  - name: after
    action: core.echo
    params:
      value: "still running"
`, nil)
	require.NoError(t, err)

	assert.Equal(t, types.NodeFailed, results["fragile"].Status)
	assert.Contains(t, results["fragile"].Error, "boom")
	assert.Equal(t, types.NodeSuccess, results["recover"].Status)
	assert.Equal(t, types.NodeSuccess, results["after"].Status)

	// A failed node still makes the task FAILED even when recovered.
	assert.Equal(t, types.ResultFailed, engine.FinalStatus(results))
}

func TestUnhandledFailurePropagates(t *testing.T) {
	results, _, _, err := runTask(t, `
steps:
  - name: fragile
    action: core.fail
  - name: unreached
    action: core.echo
    params:
      value: x
`, nil)
	require.Error(t, err)

	var ae *types.ActionError
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, types.NodeFailed, results["fragile"].Status)
	assert.NotContains(t, results, "unreached")
}

func TestUnknownActionFails(t *testing.T) {
	_, _, _, err := runTask(t, `
steps:
  - name: ghost
    action: core.no_such_action
`, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestStopTaskSignal(t *testing.T) {
	results, _, _, err := runTask(t, `
steps:
  - name: halt
    action: core.stop
    params:
      status: SUCCESS
  - name: unreached
    action: core.echo
    params:
      value: x
`, nil)
	var stop *types.StopTask
	require.True(t, errors.As(err, &stop))
	assert.Equal(t, types.ResultSuccess, stop.Status)
	assert.Equal(t, types.NodeSuccess, results["halt"].Status)
	assert.NotContains(t, results, "unreached")
}

func TestCtxCellsFlowBetweenSteps(t *testing.T) {
	results, _, _, err := runTask(t, `
steps:
  - name: remember
    action: core.set
    params:
      key: mode
      value: turbo
  - name: recall
    action: core.echo
    params:
      value: "{{ ctx.mode }}"
`, nil)
	require.NoError(t, err)
	assert.Equal(t, "turbo", results["recall"].Output)
}

func TestServiceInjection(t *testing.T) {
	results, _, _, err := runTask(t, `
steps:
  - name: clock_read
    action: core.now
`, nil)
	require.NoError(t, err)
	assert.Equal(t, types.NodeSuccess, results["clock_read"].Status)
	assert.NotEmpty(t, results["clock_read"].Output)
}

func TestCancellationStopsExecution(t *testing.T) {
	e := engine.New(coreRegistry(t), syncDispatcher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := e.Execute(ctx, parseTask(t, `
steps:
  - name: never
    action: core.echo
    params:
      value: x
`), engine.NewContext(nil), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, results)
}

func TestChildContextShadowsCells(t *testing.T) {
	root := engine.NewContext(map[string]any{"x": 1})
	root.SetCell("mode", "outer")

	child := root.Child("item-a", 0)
	child.SetCell("mode", "inner")

	scope := child.Scope()
	assert.Equal(t, "inner", scope["ctx"].(map[string]any)["mode"])
	assert.Equal(t, "item-a", scope["item"])

	// Parent scope unaffected by the shadow.
	assert.Equal(t, "outer", root.Scope()["ctx"].(map[string]any)["mode"])
}
