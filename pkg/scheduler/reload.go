package scheduler

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/aurafw/aura/pkg/event"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/fsnotify/fsnotify"
)

type reloadWatcher struct {
	fs     *fsnotify.Watcher
	stopCh chan struct{}
}

func (w *reloadWatcher) stop() {
	close(w.stopCh)
	w.fs.Close() //nolint:errcheck
}

// startWatcher arms the hot-reload supervisor over both plugin roots
func (s *Scheduler) startWatcher() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, root := range []string{s.cfg.PlansDir, s.cfg.PackagesDir} {
		if root == "" {
			continue
		}
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error { //nolint:errcheck
			if err == nil && d.IsDir() {
				fsw.Add(path) //nolint:errcheck
			}
			return nil
		})
	}

	s.watcher = &reloadWatcher{fs: fsw, stopCh: make(chan struct{})}
	s.wg.Add(1)
	go s.watchLoop(s.watcher)
	return nil
}

// watchLoop debounces filesystem events and applies them in one batch
func (s *Scheduler) watchLoop(w *reloadWatcher) {
	defer s.wg.Done()

	pending := make(map[string]struct{})
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// New directories need their own watch.
				w.fs.Add(ev.Name) //nolint:errcheck
			}
			pending[ev.Name] = struct{}{}
			debounce.Reset(s.cfg.ReloadDebounce())
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Hot reload watcher error")
		case <-debounce.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			s.applyChanges(paths)
		}
	}
}

// applyChanges classifies changed paths: edits confined to task files
// invalidate the task cache and announce task.reloaded; anything else
// triggers a full registry rebuild.
func (s *Scheduler) applyChanges(paths []string) {
	snap := s.currentSnapshot()
	if snap == nil {
		return
	}

	type taskChange struct{ plan, task string }
	var taskChanges []taskChange
	full := false

	for _, p := range paths {
		plan, taskName, ok := s.classifyTaskPath(p)
		if ok {
			taskChanges = append(taskChanges, taskChange{plan: plan, task: taskName})
			continue
		}
		full = true
	}

	if full {
		if err := s.Reload(); err != nil {
			s.logger.Error().Err(err).Msg("Hot reload failed, keeping previous registry")
		}
		return
	}

	for _, tc := range taskChanges {
		snap.Tasks.Invalidate(tc.plan, tc.task)
		s.bus.Publish(event.New("task.reloaded", map[string]any{
			"plan": tc.plan,
			"task": tc.task,
		}))
		s.logger.Info().Str("plan", tc.plan).Str("task", tc.task).Msg("Task definition reloaded")
	}
}

// classifyTaskPath reports whether a changed path is a task file of a
// loaded plan.
func (s *Scheduler) classifyTaskPath(p string) (string, string, bool) {
	snap := s.currentSnapshot()
	if snap == nil || !strings.HasSuffix(p, ".yaml") {
		return "", "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", "", false
	}
	for _, plan := range snap.Registry.Plans() {
		root, _ := snap.Registry.PlanPath(plan)
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		tasksDir := filepath.Join(rootAbs, "tasks") + string(filepath.Separator)
		if strings.HasPrefix(abs, tasksDir) {
			name := strings.TrimSuffix(filepath.Base(abs), ".yaml")
			return plan, name, true
		}
	}
	return "", "", false
}

// Reload rebuilds the registry from disk and swaps it in under the
// writer lock. In-flight tasks keep the snapshot they were admitted
// with; a failed rebuild leaves the previous registry active.
func (s *Scheduler) Reload() error {
	newSnap, err := s.buildSnapshot()
	if err != nil {
		return err
	}

	s.reloadMu.Lock()
	s.snap = newSnap
	s.reloadMu.Unlock()

	s.bus.ClearNonPersistent()
	metrics.RegistryReloads.Inc()
	s.bus.Publish(event.New("plugin.reloaded", map[string]any{
		"plans": newSnap.Registry.Plans(),
	}))
	s.logger.Info().Int("plans", len(newSnap.Registry.Plans())).Msg("Plugin registry reloaded")
	return nil
}
