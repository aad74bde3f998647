package engine

import (
	"context"
	"sync"

	"github.com/aurafw/aura/pkg/template"
)

// Context is the per-run variable scope: frozen inputs, step outputs,
// user-writable cells, node records, and internal diagnostics. Child
// contexts (one per loop iteration) inherit everything by reference but
// may shadow ctx cells and carry their own item/loop bindings.
type Context struct {
	parent *Context

	mu        sync.Mutex
	inputs    map[string]any
	config    map[string]any
	steps     map[string]any
	cells     map[string]any
	nodes     map[string]any
	framework map[string]any

	item      any
	loopIndex int
	hasItem   bool
}

// NewContext creates a root context over frozen input bindings
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Context{
		inputs:    inputs,
		config:    map[string]any{},
		steps:     map[string]any{},
		cells:     map[string]any{},
		nodes:     map[string]any{},
		framework: map[string]any{},
	}
}

// SetConfig attaches the plan's configuration for template access
// under the config root.
func (c *Context) SetConfig(cfg map[string]any) {
	if cfg == nil {
		return
	}
	r := c.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Child creates a loop-iteration context binding item and loop.index
func (c *Context) Child(item any, index int) *Context {
	return &Context{
		parent:    c,
		cells:     map[string]any{},
		item:      item,
		loopIndex: index,
		hasItem:   true,
	}
}

func (c *Context) root() *Context {
	r := c
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// SetStepOutput records a step's output for later template access
func (c *Context) SetStepOutput(name string, output any) {
	r := c.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = map[string]any{"output": output}
}

// SetNode records a step's node entry (status and timestamps)
func (c *Context) SetNode(name string, node map[string]any) {
	r := c.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[name] = node
}

// SetCell writes a user-visible ctx cell. Writes on a child context
// shadow the parent's cell of the same name.
func (c *Context) SetCell(key string, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cells[key] = val
}

// Cell reads a ctx cell, checking shadows before the parent chain
func (c *Context) Cell(key string) (any, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		v, ok := cur.cells[key]
		cur.mu.Unlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// SetFramework records an internal diagnostic value
func (c *Context) SetFramework(key string, val any) {
	r := c.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framework[key] = val
}

// Scope snapshots the context into a template scope
func (c *Context) Scope() template.Scope {
	r := c.root()
	r.mu.Lock()
	scope := template.Scope{
		"inputs":    r.inputs,
		"config":    r.config,
		"steps":     copyMap(r.steps),
		"nodes":     copyMap(r.nodes),
		"framework": copyMap(r.framework),
	}
	r.mu.Unlock()

	cells := map[string]any{}
	var chain []*Context
	for cur := c; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	// Apply from root down so shadows win.
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.Lock()
		for k, v := range chain[i].cells {
			cells[k] = v
		}
		chain[i].mu.Unlock()
	}
	scope["ctx"] = cells

	for cur := c; cur != nil; cur = cur.parent {
		if cur.hasItem {
			scope["item"] = cur.item
			scope["loop"] = map[string]any{"index": cur.loopIndex}
			break
		}
	}
	return scope
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RunScope is what actions can reach through their context.Context:
// the run's variable scope and a heartbeat hook for long actions.
type RunScope struct {
	Context   *Context
	Heartbeat func()
}

type runScopeKey struct{}

// WithRunScope attaches a run scope to a context
func WithRunScope(ctx context.Context, rs *RunScope) context.Context {
	return context.WithValue(ctx, runScopeKey{}, rs)
}

// ScopeFromContext retrieves the run scope actions were invoked under
func ScopeFromContext(ctx context.Context) (*RunScope, bool) {
	rs, ok := ctx.Value(runScopeKey{}).(*RunScope)
	return rs, ok
}
