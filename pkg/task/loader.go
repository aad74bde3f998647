package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// TasksDir is the subdirectory of a plan that holds task files
const TasksDir = "tasks"

// PathResolver maps a plan name to its filesystem root
type PathResolver func(plan string) (string, bool)

type cacheKey struct {
	plan string
	task string
}

type cacheEntry struct {
	def   *types.TaskDefinition
	mtime time.Time
}

// Loader reads, caches, and re-reads task definitions from plan
// directories. Cached entries are keyed by (plan, task, mtime), so an
// edited file is re-parsed on next access even without an explicit
// invalidation.
type Loader struct {
	resolve PathResolver
	mu      sync.Mutex
	cache   map[cacheKey]*cacheEntry
	logger  zerolog.Logger
}

// NewLoader creates a task loader over the given plan path resolver
func NewLoader(resolve PathResolver) *Loader {
	return &Loader{
		resolve: resolve,
		cache:   make(map[cacheKey]*cacheEntry),
		logger:  log.WithComponent("taskloader"),
	}
}

// GetTaskData returns the parsed definition for (plan, task)
func (l *Loader) GetTaskData(plan, task string) (*types.TaskDefinition, error) {
	dir, ok := l.resolve(plan)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", types.ErrValidation, plan)
	}
	path := filepath.Join(dir, TasksDir, task+".yaml")

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown task %q in plan %q", types.ErrValidation, task, plan)
	}

	key := cacheKey{plan: plan, task: task}
	l.mu.Lock()
	if entry, hit := l.cache[key]; hit && entry.mtime.Equal(info.ModTime()) {
		def := entry.def
		l.mu.Unlock()
		return def, nil
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}
	var def types.TaskDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: bad task file %s: %v", types.ErrValidation, path, err)
	}
	if err := validateDefinition(&def); err != nil {
		return nil, fmt.Errorf("%w: task %s/%s: %v", types.ErrValidation, plan, task, err)
	}

	l.mu.Lock()
	l.cache[key] = &cacheEntry{def: &def, mtime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("plan", plan).Str("task", task).Msg("Task definition parsed")
	return &def, nil
}

// ListTasks returns the sorted task names available in a plan
func (l *Loader) ListTasks(plan string) ([]string, error) {
	dir, ok := l.resolve(plan)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", types.ErrValidation, plan)
	}
	entries, err := os.ReadDir(filepath.Join(dir, TasksDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tasks for plan %s: %w", plan, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops the cache entry for one task
func (l *Loader) Invalidate(plan, task string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, cacheKey{plan: plan, task: task})
}

// InvalidateAll drops every cached definition
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[cacheKey]*cacheEntry)
}

func validateDefinition(def *types.TaskDefinition) error {
	seen := make(map[string]bool, len(def.Steps))
	return validateSteps(def.Steps, seen)
}

func validateSteps(steps []types.Step, seen map[string]bool) error {
	for i := range steps {
		s := &steps[i]
		if s.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Action == "" {
			return fmt.Errorf("step %q has no action", s.Name)
		}
		if err := validateSteps(s.OnError, seen); err != nil {
			return err
		}
	}
	return nil
}

// ValidateInputs checks provided inputs against a task's declarations
// and returns the effective binding map with defaults applied.
func ValidateInputs(def *types.TaskDefinition, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}

	for _, decl := range def.Inputs {
		val, provided := out[decl.Name]
		if !provided {
			if decl.Required {
				return nil, fmt.Errorf("%w: missing required input %q", types.ErrValidation, decl.Name)
			}
			if decl.Default != nil {
				out[decl.Name] = decl.Default
			}
			continue
		}
		if !typeMatches(decl.Type, val) {
			return nil, fmt.Errorf("%w: input %q must be %s, got %T",
				types.ErrValidation, decl.Name, decl.Type, val)
		}
	}
	return out, nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		switch v.(type) {
		case int, int64:
			return true
		}
		return false
	case "float":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "list":
		_, ok := v.([]any)
		return ok
	case "dict":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}
