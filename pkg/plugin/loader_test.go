package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})

	RegisterActionImpl("test/echo", func(ctx context.Context, params, services map[string]any) (any, error) {
		return params["value"], nil
	})
	RegisterServiceImpl("test/clock", func(deps map[string]any) (any, error) {
		return &struct{ Name string }{Name: "clock"}, nil
	})
	RegisterServiceImpl("test/store", func(deps map[string]any) (any, error) {
		return map[string]any{"clock": deps["clock"]}, nil
	})
	RegisterServiceImpl("test/selfloop", func(deps map[string]any) (any, error) {
		return nil, nil
	})
	RegisterExtensionImpl("test/extend_store", func(instance any) error {
		m, ok := instance.(map[string]any)
		if !ok {
			return fmt.Errorf("unexpected instance type %T", instance)
		}
		m["extended"] = true
		return nil
	})
	RegisterHookImpl("test/noop_hook", func(ctx context.Context, t *types.Tasklet, info *types.ErrorInfo) error {
		return nil
	})
}

func writePlugin(t *testing.T, root, dir string, manifest, descriptor string) string {
	t.Helper()
	p := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, ManifestFile), []byte(manifest), 0o644))
	if descriptor != "" {
		require.NoError(t, os.WriteFile(filepath.Join(p, DescriptorFile), []byte(descriptor), 0o644))
	}
	return p
}

func TestParseManifestMissingAuthorIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte("name: incomplete\n"), 0o644))

	_, err := ParseManifest(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFatalStartup)
}

func TestLoadSinglePlan(t *testing.T) {
	plans := t.TempDir()
	writePlugin(t, plans, "demo", `
author: aura
name: demo
version: "1.0"
type: plan
`, `
actions:
  - name: echo
    entry_point: test/echo
    read_only: true
services:
  - alias: clock
    entry_point: test/clock
`)

	reg, err := NewLoader(plans, "").Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"demo"}, reg.Plans())
	assert.True(t, reg.HasPlan("demo"))

	entry, err := reg.ResolveAction("demo.echo")
	require.NoError(t, err)
	assert.True(t, entry.ReadOnly)
	assert.Equal(t, "demo", entry.Plan)

	_, err = reg.ResolveAction("demo.nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLoadOrderIsDeterministic(t *testing.T) {
	manifest := func(name string, deps string) string {
		return fmt.Sprintf("author: aura\nname: %s\ntype: library\n%s", name, deps)
	}
	build := func(t *testing.T) []string {
		packages := t.TempDir()
		writePlugin(t, packages, "c", manifest("c", "dependencies:\n  aura/a: '*'\n"), "")
		writePlugin(t, packages, "b", manifest("b", "dependencies:\n  aura/a: '*'\n"), "")
		writePlugin(t, packages, "a", manifest("a", ""), "")
		writePlugin(t, packages, "d", manifest("d", "dependencies:\n  aura/b: '*'\n  aura/c: '*'\n"), "")

		reg, err := NewLoader("", packages).Load()
		require.NoError(t, err)
		var order []string
		for _, def := range reg.Definitions() {
			order = append(order, def.CanonicalID())
		}
		return order
	}

	first := build(t)
	second := build(t)
	assert.Equal(t, []string{"aura/a", "aura/b", "aura/c", "aura/d"}, first)
	assert.Equal(t, first, second)
}

func TestDependencyCycleIsFatalAndNamesCycle(t *testing.T) {
	packages := t.TempDir()
	writePlugin(t, packages, "one", `
author: aura
name: one
type: library
dependencies:
  aura/two: "*"
`, "")
	writePlugin(t, packages, "two", `
author: aura
name: two
type: library
dependencies:
  aura/one: "*"
`, "")

	_, err := NewLoader("", packages).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFatalStartup)
	assert.Contains(t, err.Error(), "aura/one")
	assert.Contains(t, err.Error(), "aura/two")
}

func TestDuplicateCanonicalIDIsFatal(t *testing.T) {
	plans := t.TempDir()
	packages := t.TempDir()
	m := "author: aura\nname: twin\ntype: plan\n"
	writePlugin(t, plans, "twin", m, "")
	writePlugin(t, packages, "twin-copy", m, "")

	_, err := NewLoader(plans, packages).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFatalStartup)
	assert.Contains(t, err.Error(), "aura/twin")
}

func TestUnknownEntryPointIsFatal(t *testing.T) {
	plans := t.TempDir()
	writePlugin(t, plans, "demo", "author: aura\nname: demo\ntype: plan\n", `
actions:
  - name: ghost
    entry_point: test/never_registered
`)

	_, err := NewLoader(plans, "").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFatalStartup)
	assert.Contains(t, err.Error(), "test/never_registered")
}

func TestServiceLazyResolutionWithDependencies(t *testing.T) {
	plans := t.TempDir()
	writePlugin(t, plans, "demo", "author: aura\nname: demo\ntype: plan\n", `
services:
  - alias: clock
    entry_point: test/clock
  - alias: store
    entry_point: test/store
    requires_services:
      clock: clock
`)

	reg, err := NewLoader(plans, "").Load()
	require.NoError(t, err)

	entry, ok := reg.lookupServiceEntry("store")
	require.True(t, ok)
	assert.Equal(t, ServiceDefined, entry.Status())

	inst, err := reg.ResolveService("store")
	require.NoError(t, err)
	assert.Equal(t, ServiceResolved, entry.Status())

	store := inst.(map[string]any)
	require.NotNil(t, store["clock"])

	// Singleton: second resolution returns the same instance.
	again, err := reg.ResolveService("demo/store")
	require.NoError(t, err)
	assert.Equal(t, inst, again)
}

func TestServiceRequirementCycleIsFatalAtLoad(t *testing.T) {
	plans := t.TempDir()
	writePlugin(t, plans, "demo", "author: aura\nname: demo\ntype: plan\n", `
services:
  - alias: loopy
    entry_point: test/selfloop
    requires_services:
      self: loopy
`)

	_, err := NewLoader(plans, "").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFatalStartup)
	assert.Contains(t, err.Error(), "cycle")
}

func TestUnknownServiceRequirementIsFatalAtLoad(t *testing.T) {
	plans := t.TempDir()
	writePlugin(t, plans, "demo", "author: aura\nname: demo\ntype: plan\n", `
actions:
  - name: echo
    entry_point: test/echo
    requires_services:
      db: no_such_service
`)

	_, err := NewLoader(plans, "").Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrFatalStartup)
	assert.Contains(t, err.Error(), "no_such_service")
}

func TestServiceExtensionAppliesAfterConstruction(t *testing.T) {
	plans := t.TempDir()
	packages := t.TempDir()
	writePlugin(t, plans, "base", "author: aura\nname: base\ntype: plan\n", `
services:
  - alias: store
    entry_point: test/store
`)
	writePlugin(t, packages, "extender", `
author: aura
name: extender
type: library
extends:
  - service: base/store
    from_plugin: aura/base
    entry_point: test/extend_store
`, "")

	reg, err := NewLoader(plans, packages).Load()
	require.NoError(t, err)

	inst, err := reg.ResolveService("base/store")
	require.NoError(t, err)
	assert.Equal(t, true, inst.(map[string]any)["extended"])
}

func TestStateMapValidation(t *testing.T) {
	plans := t.TempDir()
	dir := writePlugin(t, plans, "demo", "author: aura\nname: demo\ntype: plan\n", "")
	bad := `
states:
  a: {}
transitions:
  - {from: a, to: ghost, task: t, cost: 1}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateMapFile), []byte(bad), 0o644))

	_, err := NewLoader(plans, "").Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrFatalStartup))
	assert.Contains(t, err.Error(), "ghost")
}
