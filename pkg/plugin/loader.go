package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
)

// Loader discovers plugins under the plans and packages roots and
// builds a fresh registry from them.
type Loader struct {
	PlansDir    string
	PackagesDir string
	logger      zerolog.Logger
}

// NewLoader creates a loader over the two plugin roots
func NewLoader(plansDir, packagesDir string) *Loader {
	return &Loader{
		PlansDir:    plansDir,
		PackagesDir: packagesDir,
		logger:      log.WithComponent("loader"),
	}
}

// Load runs the phased startup: discover, sort, load in order, then
// validate the service graph. Any failure is fatal and leaves no
// partial registry behind.
func (l *Loader) Load() (*Registry, error) {
	defs, err := l.discover()
	if err != nil {
		return nil, err
	}

	order, err := sortDefinitions(defs)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry()
	for _, def := range order {
		if err := l.loadOne(reg, def); err != nil {
			return nil, err
		}
	}

	// Second pass: extensions and overrides can only be applied once
	// their target plugins have registered.
	for _, def := range order {
		if err := l.applyExtensions(reg, def); err != nil {
			return nil, err
		}
	}

	if err := validateServiceGraph(reg); err != nil {
		return nil, err
	}

	metrics.PluginsLoaded.Set(float64(len(order)))
	l.logger.Info().Int("plugins", len(order)).Msg("Plugin registry loaded")
	return reg, nil
}

// discover scans both roots for directories containing a manifest file
func (l *Loader) discover() (map[string]*Definition, error) {
	defs := make(map[string]*Definition)
	for _, root := range []string{l.PlansDir, l.PackagesDir} {
		if root == "" {
			continue
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			manifestPath := filepath.Join(dir, ManifestFile)
			if _, err := os.Stat(manifestPath); err != nil {
				continue
			}
			m, err := ParseManifest(manifestPath)
			if err != nil {
				return nil, err
			}
			def := &Definition{Manifest: *m, Path: dir}
			id := def.CanonicalID()
			if prev, dup := defs[id]; dup {
				return nil, fmt.Errorf("%w: duplicate plugin id %s (%s and %s)",
					types.ErrFatalStartup, id, prev.Path, def.Path)
			}
			defs[id] = def
			l.logger.Debug().Str("plugin", id).Str("path", dir).Msg("Plugin discovered")
		}
	}
	return defs, nil
}

// sortDefinitions orders plugins so every dependency (declared or
// implied by a service extension) loads before its dependents. Ties
// break by canonical id so two runs over the same manifests produce the
// same order.
func sortDefinitions(defs map[string]*Definition) ([]*Definition, error) {
	deps := make(map[string][]string, len(defs))
	for id, def := range defs {
		seen := make(map[string]bool)
		for depID := range def.Dependencies {
			if _, ok := defs[depID]; !ok {
				return nil, fmt.Errorf("%w: plugin %s depends on unknown plugin %s",
					types.ErrFatalStartup, id, depID)
			}
			if !seen[depID] {
				deps[id] = append(deps[id], depID)
				seen[depID] = true
			}
		}
		for _, ext := range def.Extends {
			if _, ok := defs[ext.FromPlugin]; !ok {
				return nil, fmt.Errorf("%w: plugin %s extends service of unknown plugin %s",
					types.ErrFatalStartup, id, ext.FromPlugin)
			}
			if !seen[ext.FromPlugin] {
				deps[id] = append(deps[id], ext.FromPlugin)
				seen[ext.FromPlugin] = true
			}
		}
		sort.Strings(deps[id])
	}

	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for id, ds := range deps {
		indegree[id] = len(ds)
		for _, d := range ds {
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []string
	for id := range defs {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []*Definition
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, defs[id])

		changed := false
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(defs) {
		var stuck []string
		for id := range defs {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		cycle := findCycle(stuck, deps)
		return nil, fmt.Errorf("%w: plugin dependency cycle: %s",
			types.ErrFatalStartup, strings.Join(cycle, " -> "))
	}
	return order, nil
}

// findCycle walks the dependency edges among unsorted nodes until a
// node repeats, yielding a concrete cycle path for the error message.
func findCycle(stuck []string, deps map[string][]string) []string {
	if len(stuck) == 0 {
		return nil
	}
	inStuck := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		inStuck[id] = true
	}

	seen := make(map[string]int)
	var path []string
	cur := stuck[0]
	for {
		if at, ok := seen[cur]; ok {
			return append(path[at:], cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, d := range deps[cur] {
			if inStuck[d] {
				next = d
				break
			}
		}
		if next == "" {
			return stuck
		}
		cur = next
	}
}

// loadOne registers one plugin's definition, actions, services, hooks,
// and (for plans) its state map.
func (l *Loader) loadOne(reg *Registry, def *Definition) error {
	id := def.CanonicalID()
	reg.plugins[id] = def
	reg.order = append(reg.order, id)

	if def.Type == TypePlan {
		if prev, dup := reg.planPaths[def.Name]; dup {
			return fmt.Errorf("%w: plan name %s already provided by %s",
				types.ErrFatalStartup, def.Name, prev)
		}
		reg.planPaths[def.Name] = def.Path

		sm, err := ParseStateMap(def.Path)
		if err != nil {
			return err
		}
		if sm != nil {
			if err := validateStateMap(def.Name, sm); err != nil {
				return err
			}
			reg.stateMaps[def.Name] = sm
		}
	}

	desc, err := ParseDescriptor(def.Path)
	if err != nil {
		return err
	}

	overridden := make(map[string]bool, len(def.Overrides))
	for _, fqid := range def.Overrides {
		overridden[fqid] = true
	}

	for _, sd := range desc.Services {
		factory, ok := lookupServiceImpl(sd.EntryPoint)
		if !ok {
			return fmt.Errorf("%w: plugin %s service %s: unknown entry point %q",
				types.ErrFatalStartup, id, sd.Alias, sd.EntryPoint)
		}
		fqid := def.Name + "/" + sd.Alias
		if _, dup := reg.services[fqid]; dup && !overridden[fqid] {
			return fmt.Errorf("%w: duplicate service %s registered by %s",
				types.ErrFatalStartup, fqid, id)
		}
		reg.services[fqid] = &ServiceEntry{
			FQID:     fqid,
			Alias:    sd.Alias,
			Provider: id,
			Requires: sd.Requires,
			factory:  factory,
			status:   ServiceDefined,
		}
		if _, taken := reg.aliases[sd.Alias]; !taken || overridden[fqid] {
			reg.aliases[sd.Alias] = fqid
		}
	}

	// Overrides may also replace services registered under another
	// plugin's name; repoint the bare alias at the override target.
	for fqid := range overridden {
		if entry, ok := reg.services[fqid]; ok {
			reg.aliases[entry.Alias] = fqid
		}
	}

	for _, ad := range desc.Actions {
		fn, ok := lookupActionImpl(ad.EntryPoint)
		if !ok {
			return fmt.Errorf("%w: plugin %s action %s: unknown entry point %q",
				types.ErrFatalStartup, id, ad.Name, ad.EntryPoint)
		}
		fqid := def.Name + "." + ad.Name
		if _, dup := reg.actions[fqid]; dup {
			return fmt.Errorf("%w: duplicate action %s registered by %s",
				types.ErrFatalStartup, fqid, id)
		}
		reg.actions[fqid] = &ActionEntry{
			FQID:     fqid,
			Plan:     def.Name,
			Name:     ad.Name,
			Fn:       fn,
			Requires: ad.Requires,
			ReadOnly: ad.ReadOnly,
			Public:   ad.Public,
			CPUBound: ad.CPUBound,
		}
	}

	for _, hd := range desc.Hooks {
		fn, ok := lookupHookImpl(hd.EntryPoint)
		if !ok {
			return fmt.Errorf("%w: plugin %s hook %s: unknown entry point %q",
				types.ErrFatalStartup, id, hd.Point, hd.EntryPoint)
		}
		reg.hooks[hd.Point] = append(reg.hooks[hd.Point], &HookEntry{
			Point:  hd.Point,
			Plugin: id,
			Fn:     fn,
		})
	}

	l.logger.Debug().
		Str("plugin", id).
		Int("actions", len(desc.Actions)).
		Int("services", len(desc.Services)).
		Msg("Plugin loaded")
	return nil
}

// applyExtensions attaches this plugin's declared service extensions to
// their target entries.
func (l *Loader) applyExtensions(reg *Registry, def *Definition) error {
	for _, ext := range def.Extends {
		fn, ok := lookupExtensionImpl(ext.EntryPoint)
		if !ok {
			return fmt.Errorf("%w: plugin %s extension of %s: unknown entry point %q",
				types.ErrFatalStartup, def.CanonicalID(), ext.Service, ext.EntryPoint)
		}
		entry, ok := reg.lookupServiceEntry(ext.Service)
		if !ok {
			return fmt.Errorf("%w: plugin %s extends unknown service %s",
				types.ErrFatalStartup, def.CanonicalID(), ext.Service)
		}
		entry.extensions = append(entry.extensions, fn)
	}
	return nil
}

// validateServiceGraph checks every declared service requirement
// resolves to a registered service and that the dependency graph is
// acyclic, so failures surface at load time rather than mid-run.
func validateServiceGraph(reg *Registry) error {
	for _, entry := range reg.services {
		for _, depName := range entry.Requires {
			if _, ok := reg.lookupServiceEntry(depName); !ok {
				return fmt.Errorf("%w: service %s requires unknown service %q",
					types.ErrFatalStartup, entry.FQID, depName)
			}
		}
	}
	for _, a := range reg.actions {
		for _, depName := range a.Requires {
			if _, ok := reg.lookupServiceEntry(depName); !ok {
				return fmt.Errorf("%w: action %s requires unknown service %q",
					types.ErrFatalStartup, a.FQID, depName)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(reg.services))
	var visit func(fqid string, path []string) error
	visit = func(fqid string, path []string) error {
		switch color[fqid] {
		case gray:
			return fmt.Errorf("%w: service dependency cycle: %s -> %s",
				types.ErrFatalStartup, strings.Join(path, " -> "), fqid)
		case black:
			return nil
		}
		color[fqid] = gray
		entry := reg.services[fqid]
		for _, depName := range entry.Requires {
			dep, _ := reg.lookupServiceEntry(depName)
			if err := visit(dep.FQID, append(path, fqid)); err != nil {
				return err
			}
		}
		color[fqid] = black
		return nil
	}

	fqids := make([]string, 0, len(reg.services))
	for fqid := range reg.services {
		fqids = append(fqids, fqid)
	}
	sort.Strings(fqids)
	for _, fqid := range fqids {
		if err := visit(fqid, nil); err != nil {
			return err
		}
	}
	return nil
}

// validateStateMap rejects graphs whose transitions reference undeclared
// states or carry negative costs.
func validateStateMap(plan string, sm *types.StateMap) error {
	for _, tr := range sm.Transitions {
		if tr.Cost < 0 {
			return fmt.Errorf("%w: plan %s transition %s->%s has negative cost",
				types.ErrFatalStartup, plan, tr.From, tr.To)
		}
		if _, ok := sm.States[tr.From]; !ok {
			return fmt.Errorf("%w: plan %s transition references unknown state %s",
				types.ErrFatalStartup, plan, tr.From)
		}
		if _, ok := sm.States[tr.To]; !ok {
			return fmt.Errorf("%w: plan %s transition references unknown state %s",
				types.ErrFatalStartup, plan, tr.To)
		}
	}
	return nil
}
