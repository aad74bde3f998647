package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/aurafw/aura/pkg/orchestrator"
	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/state"
	"github.com/aurafw/aura/pkg/task"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config tunes admission control and the worker pools
type Config struct {
	GlobalCap     int64
	DefaultTagCap int64
	TagCaps       map[string]int64
	IOWorkers     int
	CPUWorkers    int
	PoolGrace     time.Duration
	Planner       state.Config
}

// DefaultConfig returns the standard execution manager settings
func DefaultConfig() Config {
	return Config{
		GlobalCap:     4,
		DefaultTagCap: 1,
		PoolGrace:     5 * time.Second,
		Planner:       state.DefaultConfig(),
	}
}

// Snapshot bundles the registry state a tasklet was admitted against.
// In-flight tasks keep their snapshot across hot reloads.
type Snapshot struct {
	Registry      *plugin.Registry
	Tasks         *task.Loader
	Orchestrators map[string]*orchestrator.Orchestrator
}

// Orchestrator returns the snapshot's orchestrator for a plan
func (s *Snapshot) Orchestrator(plan string) (*orchestrator.Orchestrator, bool) {
	o, ok := s.Orchestrators[plan]
	return o, ok
}

// Manager is the global admission controller: it enforces the
// concurrency cap and per-resource semaphores, coordinates state
// planning, applies the task deadline, fires lifecycle hooks, and
// delegates execution to the target plan's orchestrator.
type Manager struct {
	cfg    Config
	global *semaphore.Weighted
	pools  *Pools

	mu   sync.Mutex
	tags map[string]*semaphore.Weighted

	logger zerolog.Logger
}

// NewManager creates an execution manager with its pools started
func NewManager(cfg Config) *Manager {
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = DefaultConfig().GlobalCap
	}
	if cfg.DefaultTagCap <= 0 {
		cfg.DefaultTagCap = 1
	}
	if cfg.Planner.MaxReplans == 0 {
		cfg.Planner = state.DefaultConfig()
	}
	return &Manager{
		cfg:    cfg,
		global: semaphore.NewWeighted(cfg.GlobalCap),
		pools:  NewPools(cfg.IOWorkers, cfg.CPUWorkers, cfg.PoolGrace),
		tags:   make(map[string]*semaphore.Weighted),
		logger: log.WithComponent("executor"),
	}
}

// Pools exposes the manager's dispatcher for engine wiring
func (m *Manager) Pools() *Pools { return m.pools }

// Shutdown drains the worker pools
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.pools.Shutdown(ctx)
}

func (m *Manager) tagSemaphore(tag string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sem, ok := m.tags[tag]; ok {
		return sem
	}
	limit := m.cfg.DefaultTagCap
	if c, ok := m.cfg.TagCaps[tag]; ok && c > 0 {
		limit = c
	}
	sem := semaphore.NewWeighted(limit)
	m.tags[tag] = sem
	return sem
}

// acquire takes the global permit plus one permit per resource tag, in
// canonical order (global first, then tags sorted) to avoid deadlock.
// On any failure every permit already held is released, so there are
// no partial holds.
func (m *Manager) acquire(ctx context.Context, t *types.Tasklet) (func(), error) {
	tags := append([]string(nil), t.Resources...)
	sort.Strings(tags)

	var held []*semaphore.Weighted
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}

	if err := m.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrAdmissionCancelled, err)
	}
	held = append(held, m.global)

	for _, tag := range tags {
		sem := m.tagSemaphore(tag)
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, fmt.Errorf("%w: %v", types.ErrAdmissionCancelled, err)
		}
		held = append(held, sem)
	}
	return release, nil
}

// Submit runs one tasklet to its terminal state and returns the TFR.
// Permits are held for exactly the interval between admission and
// return; the caller publishes the terminal event after its own
// bookkeeping.
func (m *Manager) Submit(t *types.Tasklet, snap *Snapshot) (*types.TaskResult, error) {
	ctx := t.Context()

	waitTimer := metrics.NewTimer()
	release, err := m.acquire(ctx, t)
	if err != nil {
		t.SetStatus(types.StatusCancelled)
		return m.abort(t, types.ResultCancelled, "CANCELLED", err), err
	}
	defer release()
	waitTimer.ObserveDuration(metrics.AdmissionWait)

	t.SetStatus(types.StatusAdmitted)
	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	orch, ok := snap.Orchestrator(t.Plan)
	if !ok {
		err := fmt.Errorf("%w: unknown plan %q", types.ErrValidation, t.Plan)
		t.SetStatus(types.StatusFailed)
		return m.abort(t, types.ResultError, "VALIDATION", err), err
	}

	if err := m.handleStatePlanning(ctx, t, snap, orch); err != nil {
		status, kind := types.ClassifyError(err)
		t.SetStatus(taskStatusFor(status))
		m.fireFailureHooks(ctx, snap, t, kind, err)
		return m.abort(t, status, kind, err), err
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	snap.Registry.RunHooks(ctx, plugin.BeforeTaskRun, t, nil)

	t.SetStatus(types.StatusRunning)
	tfr, execErr := orch.ExecuteTask(ctx, t.Task, t.Inputs, t.ID)
	t.SetStatus(taskStatusFor(tfr.Status))

	if tfr.Status == types.ResultSuccess {
		snap.Registry.RunHooks(ctx, plugin.AfterTaskSuccess, t, nil)
	} else {
		_, kind := types.ClassifyError(execErr)
		if execErr == nil {
			kind = "OTHER"
		}
		m.fireFailureHooks(ctx, snap, t, kind, execErr)
	}
	snap.Registry.RunHooks(ctx, plugin.AfterTaskRun, t, nil)

	metrics.TasksTotal.WithLabelValues(string(tfr.Status)).Inc()
	return tfr, execErr
}

// handleStatePlanning runs the planner when the target plan has a state
// map and the task declares a required precondition state.
func (m *Manager) handleStatePlanning(ctx context.Context, t *types.Tasklet, snap *Snapshot, orch *orchestrator.Orchestrator) error {
	sm := snap.Registry.StateMap(t.Plan)
	if sm == nil {
		return nil
	}
	def, err := snap.Tasks.GetTaskData(t.Plan, t.Task)
	if err != nil {
		return err
	}
	required := def.Meta.RequiredState
	if required == "" {
		return nil
	}

	t.SetStatus(types.StatusPlanning)
	m.logger.Debug().
		Str("run_id", t.ID).
		Str("target", required).
		Msg("Running state planner")

	planner := state.NewPlanner(t.Plan, sm,
		func(ctx context.Context, taskName string) error {
			_, err := orch.ExecuteTask(ctx, taskName, nil, "")
			return err
		},
		orch.RunCheckTask,
		m.cfg.Planner,
	)
	return planner.EnsureState(ctx, required)
}

func (m *Manager) fireFailureHooks(ctx context.Context, snap *Snapshot, t *types.Tasklet, kind string, err error) {
	info := &types.ErrorInfo{Kind: kind}
	if err != nil {
		info.Message = err.Error()
	}
	snap.Registry.RunHooks(ctx, plugin.AfterTaskFailure, t, info)
}

// abort builds a minimal TFR for tasklets that never reached the
// orchestrator.
func (m *Manager) abort(t *types.Tasklet, status types.ResultStatus, kind string, err error) *types.TaskResult {
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	tfr := &types.TaskResult{
		RunID:     t.ID,
		Plan:      t.Plan,
		Task:      t.Task,
		Status:    status,
		StartTime: t.StartedAt(),
		EndTime:   time.Now(),
	}
	if err != nil {
		tfr.ErrorInfo = &types.ErrorInfo{Kind: kind, Message: err.Error()}
	}
	return tfr
}

func taskStatusFor(status types.ResultStatus) types.TaskStatus {
	switch status {
	case types.ResultSuccess:
		return types.StatusSucceeded
	case types.ResultCancelled:
		return types.StatusCancelled
	case types.ResultTimeout:
		return types.StatusTimeout
	case types.ResultPlanningFailed:
		return types.StatusPlanningFailed
	default:
		return types.StatusFailed
	}
}

// IsAdmissionCancelled reports whether an error came from cancellation
// while waiting for permits, before task.started was ever published.
func IsAdmissionCancelled(err error) bool {
	return errors.Is(err, types.ErrAdmissionCancelled)
}
