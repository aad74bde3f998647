package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
)

// ServiceStatus tracks a service entry's lifecycle
type ServiceStatus string

const (
	ServiceDefined   ServiceStatus = "defined"
	ServiceResolving ServiceStatus = "resolving"
	ServiceResolved  ServiceStatus = "resolved"
	ServiceFailed    ServiceStatus = "failed"
)

// ActionEntry is one registered action
type ActionEntry struct {
	FQID     string // <plan>.<name>
	Plan     string
	Name     string
	Fn       ActionFunc
	Requires map[string]string // alias -> service name
	ReadOnly bool
	Public   bool
	CPUBound bool
}

// ServiceEntry is one registered service with its lazily built singleton
type ServiceEntry struct {
	FQID       string // <plugin-name>/<alias>
	Alias      string
	Provider   string // canonical plugin id
	Requires   map[string]string
	factory    ServiceFactory
	extensions []ExtensionFunc

	status   ServiceStatus
	instance any
	err      error
}

// HookEntry is one registered hook callable
type HookEntry struct {
	Point  HookPoint
	Plugin string
	Fn     HookFunc
}

// Registry holds everything the loader produced: plugin definitions in
// load order, actions, services, hooks, plan paths, and state maps. A
// registry is immutable after load except for lazy service
// construction; hot reload builds a fresh registry and swaps it, so
// in-flight tasks keep the snapshot they were admitted with.
type Registry struct {
	plugins   map[string]*Definition
	order     []string
	actions   map[string]*ActionEntry
	services  map[string]*ServiceEntry
	aliases   map[string]string // bare alias -> FQID
	hooks     map[HookPoint][]*HookEntry
	planPaths map[string]string
	stateMaps map[string]*types.StateMap

	resolveMu sync.Mutex
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		plugins:   make(map[string]*Definition),
		actions:   make(map[string]*ActionEntry),
		services:  make(map[string]*ServiceEntry),
		aliases:   make(map[string]string),
		hooks:     make(map[HookPoint][]*HookEntry),
		planPaths: make(map[string]string),
		stateMaps: make(map[string]*types.StateMap),
		logger:    log.WithComponent("registry"),
	}
}

// Definitions returns the loaded plugins in load order
func (r *Registry) Definitions() []*Definition {
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}

// Plans returns the sorted names of all loaded plan plugins
func (r *Registry) Plans() []string {
	names := make([]string, 0, len(r.planPaths))
	for name := range r.planPaths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasPlan reports whether a plan of the given name is loaded
func (r *Registry) HasPlan(name string) bool {
	_, ok := r.planPaths[name]
	return ok
}

// PlanPath returns the filesystem root of a loaded plan
func (r *Registry) PlanPath(name string) (string, bool) {
	p, ok := r.planPaths[name]
	return p, ok
}

// StateMap returns the plan's state map, or nil if it has none
func (r *Registry) StateMap(plan string) *types.StateMap {
	return r.stateMaps[plan]
}

// ResolveAction looks up an action by its fully qualified id
func (r *Registry) ResolveAction(fqid string) (*ActionEntry, error) {
	entry, ok := r.actions[fqid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", types.ErrValidation, fqid)
	}
	return entry, nil
}

// Actions returns all registered actions sorted by FQID
func (r *Registry) Actions() []*ActionEntry {
	out := make([]*ActionEntry, 0, len(r.actions))
	for _, e := range r.actions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQID < out[j].FQID })
	return out
}

// Services returns all registered service entries sorted by FQID
func (r *Registry) Services() []*ServiceEntry {
	out := make([]*ServiceEntry, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQID < out[j].FQID })
	return out
}

// Status returns the service entry's current lifecycle status
func (e *ServiceEntry) Status() ServiceStatus { return e.status }

// ResolveService returns the singleton instance for a service,
// constructing it (and its dependencies) on first use. Name may be a
// bare alias or a <plugin>/<alias> FQID.
func (r *Registry) ResolveService(name string) (any, error) {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()
	return r.resolveLocked(name, nil)
}

// ResolveServices resolves an alias->service-name requirement map into
// an alias->instance map.
func (r *Registry) ResolveServices(requires map[string]string) (map[string]any, error) {
	if len(requires) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(requires))
	for alias, name := range requires {
		inst, err := r.ResolveService(name)
		if err != nil {
			return nil, fmt.Errorf("failed to inject service %s as %s: %w", name, alias, err)
		}
		out[alias] = inst
	}
	return out, nil
}

func (r *Registry) lookupServiceEntry(name string) (*ServiceEntry, bool) {
	if e, ok := r.services[name]; ok {
		return e, true
	}
	if fqid, ok := r.aliases[name]; ok {
		return r.services[fqid], true
	}
	return nil, false
}

func (r *Registry) resolveLocked(name string, stack []string) (any, error) {
	entry, ok := r.lookupServiceEntry(name)
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}

	switch entry.status {
	case ServiceResolved:
		return entry.instance, nil
	case ServiceFailed:
		return nil, fmt.Errorf("service %s previously failed: %w", entry.FQID, entry.err)
	case ServiceResolving:
		return nil, fmt.Errorf("%w: service dependency cycle at %s (via %v)", types.ErrFatalStartup, entry.FQID, stack)
	}

	entry.status = ServiceResolving
	stack = append(stack, entry.FQID)

	deps := make(map[string]any, len(entry.Requires))
	for alias, depName := range entry.Requires {
		inst, err := r.resolveLocked(depName, stack)
		if err != nil {
			entry.status = ServiceFailed
			entry.err = err
			return nil, err
		}
		deps[alias] = inst
	}

	inst, err := entry.factory(deps)
	if err != nil {
		entry.status = ServiceFailed
		entry.err = err
		return nil, fmt.Errorf("failed to construct service %s: %w", entry.FQID, err)
	}

	for _, ext := range entry.extensions {
		if err := ext(inst); err != nil {
			entry.status = ServiceFailed
			entry.err = err
			return nil, fmt.Errorf("failed to extend service %s: %w", entry.FQID, err)
		}
	}

	entry.status = ServiceResolved
	entry.instance = inst
	r.logger.Debug().Str("service", entry.FQID).Msg("Service resolved")
	return inst, nil
}

// RunHooks invokes all callables attached to a hook point in
// registration order. Hook failures are logged, never propagated.
func (r *Registry) RunHooks(ctx context.Context, point HookPoint, t *types.Tasklet, info *types.ErrorInfo) {
	for _, h := range r.hooks[point] {
		if err := h.Fn(ctx, t, info); err != nil {
			r.logger.Error().
				Err(err).
				Str("point", string(point)).
				Str("plugin", h.Plugin).
				Msg("Hook failed")
		}
	}
}
