package scheduler

import (
	"fmt"

	"github.com/aurafw/aura/pkg/types"
	"github.com/robfig/cron/v3"
)

type cronRunner struct {
	c   *cron.Cron
	ids map[string]cron.EntryID
}

// startCron loads persisted schedule entries and arms the cron-driven
// ones.
func (s *Scheduler) startCron() {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	s.crontab = &cronRunner{c: cron.New(), ids: make(map[string]cron.EntryID)}

	if s.store != nil {
		entries, err := s.store.ListScheduleEntries()
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to load schedule entries")
		}
		for _, e := range entries {
			s.schedules[e.ID] = e
			if err := s.armLocked(e); err != nil {
				s.logger.Error().Err(err).Str("schedule", e.ID).Msg("Failed to arm schedule entry")
			}
		}
	}
	s.crontab.c.Start()
}

func (s *Scheduler) stopCron() {
	s.schedMu.Lock()
	ct := s.crontab
	s.crontab = nil
	s.schedMu.Unlock()
	// Wait outside the lock: a firing job may be inside RunManualTask,
	// which needs schedMu.
	if ct != nil {
		<-ct.c.Stop().Done()
	}
}

// armLocked registers a cron trigger for an enabled entry. Callers hold
// schedMu.
func (s *Scheduler) armLocked(e *types.ScheduleEntry) error {
	if s.crontab == nil || e.Cron == "" || !e.Enabled {
		return nil
	}
	id := e.ID
	entryID, err := s.crontab.c.AddFunc(e.Cron, func() {
		runID, err := s.RunManualTask(id)
		if err != nil {
			s.logger.Error().Err(err).Str("schedule", id).Msg("Scheduled run failed to enqueue")
			return
		}
		s.logger.Debug().Str("schedule", id).Str("run_id", runID).Msg("Scheduled run enqueued")
	})
	if err != nil {
		return fmt.Errorf("bad cron expression %q: %w", e.Cron, err)
	}
	s.crontab.ids[e.ID] = entryID
	return nil
}

// AddScheduleEntry registers (and persists, when a store is configured)
// a schedule entry, arming its cron trigger if one is declared.
func (s *Scheduler) AddScheduleEntry(e *types.ScheduleEntry) error {
	if e.ID == "" || e.Plan == "" || e.Task == "" {
		return fmt.Errorf("%w: schedule entry needs id, plan, and task", types.ErrValidation)
	}
	if s.store != nil {
		if err := s.store.SaveScheduleEntry(e); err != nil {
			return err
		}
	}
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if s.crontab != nil {
		if old, ok := s.crontab.ids[e.ID]; ok {
			s.crontab.c.Remove(old)
			delete(s.crontab.ids, e.ID)
		}
	}
	s.schedules[e.ID] = e
	return s.armLocked(e)
}

// RemoveScheduleEntry drops a schedule entry and its cron trigger
func (s *Scheduler) RemoveScheduleEntry(id string) error {
	if s.store != nil {
		if err := s.store.DeleteScheduleEntry(id); err != nil {
			return err
		}
	}
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if s.crontab != nil {
		if old, ok := s.crontab.ids[id]; ok {
			s.crontab.c.Remove(old)
			delete(s.crontab.ids, id)
		}
	}
	delete(s.schedules, id)
	return nil
}

// ListScheduleEntries returns the registered schedule entries
func (s *Scheduler) ListScheduleEntries() []*types.ScheduleEntry {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	out := make([]*types.ScheduleEntry, 0, len(s.schedules))
	for _, e := range s.schedules {
		out = append(out, e)
	}
	return out
}
