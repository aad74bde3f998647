package plugin

import (
	"context"
	"sync"

	"github.com/aurafw/aura/pkg/types"
)

// ActionFunc is the callable form of a registered action. Params arrive
// fully rendered; services holds the instances named by the action's
// requires_services descriptor, keyed by alias.
type ActionFunc func(ctx context.Context, params map[string]any, services map[string]any) (any, error)

// ServiceFactory constructs a service instance. Deps holds the resolved
// services the factory declared, keyed by alias.
type ServiceFactory func(deps map[string]any) (any, error)

// ExtensionFunc mutates a service instance provided by another plugin
type ExtensionFunc func(instance any) error

// HookPoint identifies a lifecycle hook attachment point
type HookPoint string

const (
	BeforeTaskRun    HookPoint = "before_task_run"
	AfterTaskSuccess HookPoint = "after_task_success"
	AfterTaskFailure HookPoint = "after_task_failure"
	AfterTaskRun     HookPoint = "after_task_run"
)

// HookFunc is invoked at a hook point. Info is non-nil only for
// after_task_failure, carrying the failure classification.
type HookFunc func(ctx context.Context, t *types.Tasklet, info *types.ErrorInfo) error

// The entry-point tables map descriptor entry_point strings to Go
// implementations. Plugin packages register their implementations at
// init; the loader resolves descriptors against these tables, so an
// entry point that was never registered is a startup error rather than
// an invocation-time surprise.
var (
	implMu      sync.RWMutex
	actionImpls = make(map[string]ActionFunc)
	serviceImps = make(map[string]ServiceFactory)
	extendImpls = make(map[string]ExtensionFunc)
	hookImpls   = make(map[string]HookFunc)
)

// RegisterActionImpl binds an action entry point to its implementation
// (called from plugin package init functions)
func RegisterActionImpl(entryPoint string, fn ActionFunc) {
	implMu.Lock()
	defer implMu.Unlock()
	actionImpls[entryPoint] = fn
}

// RegisterServiceImpl binds a service entry point to its factory
func RegisterServiceImpl(entryPoint string, factory ServiceFactory) {
	implMu.Lock()
	defer implMu.Unlock()
	serviceImps[entryPoint] = factory
}

// RegisterExtensionImpl binds a service-extension entry point
func RegisterExtensionImpl(entryPoint string, fn ExtensionFunc) {
	implMu.Lock()
	defer implMu.Unlock()
	extendImpls[entryPoint] = fn
}

// RegisterHookImpl binds a hook entry point to its implementation
func RegisterHookImpl(entryPoint string, fn HookFunc) {
	implMu.Lock()
	defer implMu.Unlock()
	hookImpls[entryPoint] = fn
}

func lookupActionImpl(entryPoint string) (ActionFunc, bool) {
	implMu.RLock()
	defer implMu.RUnlock()
	fn, ok := actionImpls[entryPoint]
	return fn, ok
}

func lookupServiceImpl(entryPoint string) (ServiceFactory, bool) {
	implMu.RLock()
	defer implMu.RUnlock()
	factory, ok := serviceImps[entryPoint]
	return factory, ok
}

func lookupExtensionImpl(entryPoint string) (ExtensionFunc, bool) {
	implMu.RLock()
	defer implMu.RUnlock()
	fn, ok := extendImpls[entryPoint]
	return fn, ok
}

func lookupHookImpl(entryPoint string) (HookFunc, bool) {
	implMu.RLock()
	defer implMu.RUnlock()
	fn, ok := hookImpls[entryPoint]
	return fn, ok
}
