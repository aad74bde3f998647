package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aurafw/aura/pkg/config"
	"github.com/aurafw/aura/pkg/event"
	"github.com/aurafw/aura/pkg/executor"
	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/aurafw/aura/pkg/orchestrator"
	"github.com/aurafw/aura/pkg/plugin"
	"github.com/aurafw/aura/pkg/state"
	"github.com/aurafw/aura/pkg/storage"
	"github.com/aurafw/aura/pkg/task"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
)

// historyCap bounds the in-memory run history ring
const historyCap = 256

// DefaultPriority is assigned to tasklets that do not specify one
const DefaultPriority = 100

// RunOptions tune one task submission
type RunOptions struct {
	Priority  int
	Timeout   time.Duration
	Resources []string
	NotBefore time.Time
	Queue     types.QueueName
}

// Scheduler is the system entry point: it owns the three priority
// queues and their consumer pools, the running-tasks table, the hot
// reload supervisor, the interrupt evaluator, and the cron-armed
// schedule entries.
type Scheduler struct {
	cfg     *config.Config
	bus     *event.Bus
	manager *executor.Manager
	store   storage.Store

	main       *taskQueue
	events     *taskQueue
	interrupts *taskQueue

	// reloadMu is the registry writer lock: reload holds it exclusively,
	// admission and validation hold it shared.
	reloadMu sync.RWMutex
	snap     *executor.Snapshot

	mu       sync.Mutex
	running  map[string]*types.Tasklet
	history  []*types.TaskResult
	lastMint int64

	rulesMu sync.Mutex
	rules   []*trackedRule

	schedMu   sync.Mutex
	schedules map[string]*types.ScheduleEntry
	crontab   *cronRunner

	watcher *reloadWatcher

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	startMu    sync.Mutex

	logger zerolog.Logger
}

// Option customizes scheduler construction
type Option func(*Scheduler)

// WithStore plugs in the durable schedule/history collaborator
func WithStore(store storage.Store) Option {
	return func(s *Scheduler) { s.store = store }
}

// New creates a scheduler. Call Start to load plugins and begin
// consuming.
func New(cfg *config.Config, opts ...Option) *Scheduler {
	bus := event.NewBus()
	s := &Scheduler{
		cfg: cfg,
		bus: bus,
		manager: executor.NewManager(executor.Config{
			GlobalCap:     cfg.Executor.GlobalCap,
			DefaultTagCap: cfg.Executor.DefaultTagCap,
			TagCaps:       cfg.Executor.TagCaps,
			IOWorkers:     cfg.Executor.IOWorkers,
			CPUWorkers:    cfg.Executor.CPUWorkers,
			PoolGrace:     cfg.PoolGrace(),
			Planner: state.Config{
				VerifyRetries: cfg.Planner.VerifyRetries,
				VerifyBackoff: cfg.VerifyBackoff(),
				MaxReplans:    cfg.Planner.MaxReplans,
			},
		}),
		main:       newTaskQueue(types.QueueMain, bus),
		events:     newTaskQueue(types.QueueEvent, bus),
		interrupts: newTaskQueue(types.QueueInterrupt, bus),
		running:    make(map[string]*types.Tasklet),
		schedules:  make(map[string]*types.ScheduleEntry),
		logger:     log.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bus returns the scheduler's event bus
func (s *Scheduler) Bus() *event.Bus { return s.bus }

// Manager returns the execution manager (used by the API for status)
func (s *Scheduler) Manager() *executor.Manager { return s.manager }

// Start loads the plugin registry and spins up the consumer loops, the
// interrupt evaluator, the hot-reload supervisor, and cron schedules.
// It returns only after the scheduler is fully operational; a fatal
// startup error (plugin cycle, duplicate id, bad manifest) refuses the
// start and leaves nothing running.
func (s *Scheduler) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	snap, err := s.buildSnapshot()
	if err != nil {
		return err
	}
	s.reloadMu.Lock()
	s.snap = snap
	s.reloadMu.Unlock()

	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())

	// main: one serialized dispatcher that spawns per tasklet, so the
	// admission order follows the priority order while the semaphores
	// govern actual concurrency.
	s.wg.Add(1)
	go s.consumeSpawning(s.main)

	consumers := s.cfg.Scheduler.EventConsumers
	if consumers <= 0 {
		consumers = 4
	}
	for i := 0; i < consumers; i++ {
		s.wg.Add(1)
		go s.consumeInline(s.events)
	}

	s.wg.Add(1)
	go s.consumeInline(s.interrupts)

	s.wg.Add(1)
	go s.interruptLoop()

	if err := s.startWatcher(); err != nil {
		s.logger.Warn().Err(err).Msg("Hot reload supervisor unavailable")
	}
	s.startCron()

	s.started = true
	s.logger.Info().
		Int("plans", len(snap.Registry.Plans())).
		Msg("Scheduler started")
	return nil
}

// Stop initiates cooperative drain: queues close, running tasklets are
// cancelled, and consumers are awaited up to the context's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	if s.watcher != nil {
		s.watcher.stop()
		s.watcher = nil
	}
	s.stopCron()

	s.main.Close()
	s.events.Close()
	s.interrupts.Close()

	s.mu.Lock()
	for _, t := range s.running {
		t.Cancel()
	}
	s.mu.Unlock()

	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.manager.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// buildSnapshot runs the plugin loader and assembles the admission
// snapshot: registry, a task loader bound to it, and one orchestrator
// per plan.
func (s *Scheduler) buildSnapshot() (*executor.Snapshot, error) {
	reg, err := plugin.NewLoader(s.cfg.PlansDir, s.cfg.PackagesDir).Load()
	if err != nil {
		return nil, err
	}
	tasks := task.NewLoader(reg.PlanPath)
	orchs := make(map[string]*orchestrator.Orchestrator)
	for _, plan := range reg.Plans() {
		path, _ := reg.PlanPath(plan)
		orchs[plan] = orchestrator.New(plan, path, reg, tasks, s.bus, s.manager.Pools())
	}
	return &executor.Snapshot{
		Registry:      reg,
		Tasks:         tasks,
		Orchestrators: orchs,
	}, nil
}

func (s *Scheduler) currentSnapshot() *executor.Snapshot {
	s.reloadMu.RLock()
	defer s.reloadMu.RUnlock()
	return s.snap
}

// mintRunID produces a unique run id preserving the
// <plan>/<task>:<ms_epoch> form even for same-millisecond submissions.
func (s *Scheduler) mintRunID(plan, taskName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := time.Now().UnixMilli()
	if ms <= s.lastMint {
		ms = s.lastMint + 1
	}
	s.lastMint = ms
	return fmt.Sprintf("%s/%s:%d", plan, taskName, ms)
}

// RunAdHocTask validates the request, constructs a tasklet, and
// enqueues it on the main queue. It returns the run id immediately; the
// outcome is observed through events or polling.
func (s *Scheduler) RunAdHocTask(plan, taskName string, inputs map[string]any) (string, error) {
	return s.RunTask(plan, taskName, inputs, RunOptions{})
}

// RunTask is RunAdHocTask with explicit options
func (s *Scheduler) RunTask(plan, taskName string, inputs map[string]any, opts RunOptions) (string, error) {
	snap := s.currentSnapshot()
	if snap == nil {
		return "", fmt.Errorf("scheduler not started")
	}
	if !snap.Registry.HasPlan(plan) {
		return "", fmt.Errorf("%w: unknown plan %q", types.ErrValidation, plan)
	}
	def, err := snap.Tasks.GetTaskData(plan, taskName)
	if err != nil {
		return "", err
	}
	bound, err := task.ValidateInputs(def, inputs)
	if err != nil {
		return "", err
	}

	t := types.NewTasklet(s.mintRunID(plan, taskName), plan, taskName, bound)
	t.Priority = DefaultPriority
	if opts.Priority != 0 {
		t.Priority = opts.Priority
	}
	t.Timeout = opts.Timeout
	t.Resources = opts.Resources
	t.NotBefore = opts.NotBefore

	q := s.main
	switch opts.Queue {
	case types.QueueEvent:
		q = s.events
	case types.QueueInterrupt:
		q = s.interrupts
	}
	if err := q.Enqueue(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// RunManualTask resolves a predefined schedule entry and enqueues it
func (s *Scheduler) RunManualTask(scheduleID string) (string, error) {
	s.schedMu.Lock()
	entry, ok := s.schedules[scheduleID]
	s.schedMu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown schedule entry %q", types.ErrValidation, scheduleID)
	}
	return s.RunTask(entry.Plan, entry.Task, entry.Inputs, RunOptions{Priority: entry.Priority})
}

// Cancel sets the cancellation signal for a run. A tasklet still queued
// is dropped without ever publishing task.started; a running tasklet
// unwinds cooperatively. Cancelling twice is a no-op.
func (s *Scheduler) Cancel(runID string) error {
	for _, q := range []*taskQueue{s.interrupts, s.main, s.events} {
		if t := q.Remove(runID); t != nil {
			t.Cancel()
			t.SetStatus(types.StatusCancelled)
			tfr := &types.TaskResult{
				RunID:   t.ID,
				Plan:    t.Plan,
				Task:    t.Task,
				Status:  types.ResultCancelled,
				EndTime: time.Now(),
			}
			s.recordResult(tfr)
			s.bus.Publish(event.New("task.cancelled", map[string]any{
				"run_id": t.ID,
				"plan":   t.Plan,
				"task":   t.Task,
			}))
			metrics.TasksTotal.WithLabelValues(string(types.ResultCancelled)).Inc()
			return nil
		}
	}

	s.mu.Lock()
	t, ok := s.running[runID]
	alreadyCancelled := false
	for _, r := range s.history {
		if r.RunID == runID && r.Status == types.ResultCancelled {
			alreadyCancelled = true
			break
		}
	}
	s.mu.Unlock()
	if ok {
		t.Cancel()
		return nil
	}
	if alreadyCancelled {
		return nil
	}
	return fmt.Errorf("%w: unknown run id %q", types.ErrValidation, runID)
}

// SetPriority reorders a queued tasklet; once running it is a no-op
func (s *Scheduler) SetPriority(runID string, priority int) error {
	for _, q := range []*taskQueue{s.main, s.events, s.interrupts} {
		if q.SetPriority(runID, priority) {
			return nil
		}
	}
	s.mu.Lock()
	_, ok := s.running[runID]
	s.mu.Unlock()
	if ok {
		return nil
	}
	return fmt.Errorf("%w: unknown run id %q", types.ErrValidation, runID)
}

// consumeSpawning dequeues and dispatches each tasklet on its own
// goroutine (main queue).
func (s *Scheduler) consumeSpawning(q *taskQueue) {
	defer s.wg.Done()
	for {
		t, err := q.Dequeue(s.baseCtx)
		if err != nil {
			return
		}
		if t.Cancelled() {
			s.dropCancelled(t)
			continue
		}
		if s.baseCtx.Err() != nil {
			// Stop raced the dequeue: put the tasklet back so a later
			// start sees it instead of silently losing it.
			q.Requeue(t) //nolint:errcheck
			return
		}
		snap := s.currentSnapshot()
		s.mu.Lock()
		s.running[t.ID] = t
		s.mu.Unlock()

		s.wg.Add(1)
		go func(t *types.Tasklet, snap *executor.Snapshot) {
			defer s.wg.Done()
			s.execute(t, snap)
		}(t, snap)
	}
}

// consumeInline dequeues and executes tasklets one at a time (event and
// interrupt queues; the event queue gets several of these).
func (s *Scheduler) consumeInline(q *taskQueue) {
	defer s.wg.Done()
	for {
		t, err := q.Dequeue(s.baseCtx)
		if err != nil {
			return
		}
		if t.Cancelled() {
			s.dropCancelled(t)
			continue
		}
		if s.baseCtx.Err() != nil {
			q.Requeue(t) //nolint:errcheck
			return
		}
		snap := s.currentSnapshot()
		s.mu.Lock()
		s.running[t.ID] = t
		s.mu.Unlock()
		s.execute(t, snap)
	}
}

// dropCancelled handles tasklets whose cancel signal fired between
// enqueue and dequeue.
func (s *Scheduler) dropCancelled(t *types.Tasklet) {
	t.SetStatus(types.StatusCancelled)
	s.recordResult(&types.TaskResult{
		RunID:   t.ID,
		Plan:    t.Plan,
		Task:    t.Task,
		Status:  types.ResultCancelled,
		EndTime: time.Now(),
	})
	s.bus.Publish(event.New("task.cancelled", map[string]any{
		"run_id": t.ID,
		"plan":   t.Plan,
		"task":   t.Task,
	}))
}

// execute submits the tasklet, then removes it from the running table
// before publishing the terminal event.
func (s *Scheduler) execute(t *types.Tasklet, snap *executor.Snapshot) {
	tfr, err := s.manager.Submit(t, snap)

	s.mu.Lock()
	delete(s.running, t.ID)
	s.mu.Unlock()

	if executor.IsAdmissionCancelled(err) {
		s.recordResult(tfr)
		s.bus.Publish(event.New("task.cancelled", map[string]any{
			"run_id": t.ID,
			"plan":   t.Plan,
			"task":   t.Task,
		}))
		return
	}

	s.recordResult(tfr)
	s.bus.Publish(event.New("task.finished", resultPayload(t, tfr)))
}

func resultPayload(t *types.Tasklet, tfr *types.TaskResult) map[string]any {
	nodes := make(map[string]any, len(tfr.NodeResults))
	for name, n := range tfr.NodeResults {
		nodes[name] = map[string]any{
			"status":   string(n.Status),
			"start_ms": n.StartMS,
			"end_ms":   n.EndMS,
		}
	}
	payload := map[string]any{
		"run_id":      tfr.RunID,
		"plan":        tfr.Plan,
		"task":        tfr.Task,
		"queue":       string(t.Queue),
		"status":      string(tfr.Status),
		"start_time":  tfr.StartTime,
		"end_time":    tfr.EndTime,
		"duration_ms": tfr.Duration.Milliseconds(),
		"node_results": nodes,
	}
	if tfr.UserData != nil {
		payload["user_data"] = tfr.UserData
	}
	if tfr.ErrorInfo != nil {
		payload["error_info"] = map[string]any{
			"kind":    tfr.ErrorInfo.Kind,
			"message": tfr.ErrorInfo.Message,
		}
	}
	return payload
}

func (s *Scheduler) recordResult(tfr *types.TaskResult) {
	if tfr == nil {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, tfr)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendRunResult(tfr); err != nil {
			s.logger.Error().Err(err).Str("run_id", tfr.RunID).Msg("Failed to persist run result")
		}
	}
}

// ActiveRuns lists the tasklets currently in the running table
func (s *Scheduler) ActiveRuns() []types.RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RunInfo, 0, len(s.running))
	for _, t := range s.running {
		out = append(out, types.RunInfo{
			RunID:     t.ID,
			Plan:      t.Plan,
			Task:      t.Task,
			Status:    t.Status(),
			Queue:     t.Queue,
			StartTime: t.StartedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// History returns the most recent terminal results, newest first
func (s *Scheduler) History(limit int) []*types.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*types.TaskResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// QueueOverview summarizes all three queues
func (s *Scheduler) QueueOverview() []types.QueueOverview {
	var out []types.QueueOverview
	for _, q := range []*taskQueue{s.main, s.events, s.interrupts} {
		ready, delayed := q.Depths()
		out = append(out, types.QueueOverview{Queue: q.name, Ready: ready, Delayed: delayed})
	}
	return out
}

// QueueList returns the items of one queue filtered by state
func (s *Scheduler) QueueList(queue types.QueueName, stateFilter string, limit int) ([]types.QueueItemInfo, error) {
	var q *taskQueue
	switch queue {
	case types.QueueMain, "":
		q = s.main
	case types.QueueEvent:
		q = s.events
	case types.QueueInterrupt:
		q = s.interrupts
	default:
		return nil, fmt.Errorf("%w: unknown queue %q", types.ErrValidation, queue)
	}
	return q.Snapshot(stateFilter, limit), nil
}

// Plans lists the loaded plan names
func (s *Scheduler) Plans() []string {
	snap := s.currentSnapshot()
	if snap == nil {
		return nil
	}
	return snap.Registry.Plans()
}

// Tasks lists the task names of one plan
func (s *Scheduler) Tasks(plan string) ([]string, error) {
	snap := s.currentSnapshot()
	if snap == nil {
		return nil, fmt.Errorf("scheduler not started")
	}
	if !snap.Registry.HasPlan(plan) {
		return nil, fmt.Errorf("%w: unknown plan %q", types.ErrValidation, plan)
	}
	return snap.Tasks.ListTasks(plan)
}

// Services lists registered services with their lifecycle status
func (s *Scheduler) Services() []*plugin.ServiceEntry {
	snap := s.currentSnapshot()
	if snap == nil {
		return nil
	}
	return snap.Registry.Services()
}

// handlerTarget splits a <plan>/<task> handler reference
func handlerTarget(handler string) (string, string, error) {
	parts := strings.SplitN(handler, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: bad handler reference %q", types.ErrValidation, handler)
	}
	return parts[0], parts[1], nil
}
