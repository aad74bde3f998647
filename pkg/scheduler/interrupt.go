package scheduler

import (
	"strings"
	"time"

	"github.com/aurafw/aura/pkg/types"
)

// defaultRuleInterval paces rule evaluation when none is configured
const defaultRuleInterval = time.Second

// ruleTick is the granularity of the interrupt evaluator
const ruleTick = 50 * time.Millisecond

type trackedRule struct {
	rule     types.InterruptRule
	lastEval time.Time
	lastFire time.Time
}

// AddInterruptRule registers a pre-emptive rule. Its condition is
// evaluated periodically; a truthy result cancels the scoped running
// tasks and enqueues the handler task on the interrupt queue.
func (s *Scheduler) AddInterruptRule(rule types.InterruptRule) error {
	if _, _, err := handlerTarget(rule.Handler); err != nil {
		return err
	}
	if rule.Condition.Action == "" {
		return types.ErrValidation
	}
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	s.rules = append(s.rules, &trackedRule{rule: rule})
	return nil
}

// RemoveInterruptRule drops a rule by id
func (s *Scheduler) RemoveInterruptRule(id string) {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	for i, r := range s.rules {
		if r.rule.ID == id {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return
		}
	}
}

// interruptLoop periodically evaluates interrupt rule conditions
func (s *Scheduler) interruptLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(ruleTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case now := <-ticker.C:
			s.evaluateRules(now)
		}
	}
}

func (s *Scheduler) evaluateRules(now time.Time) {
	s.rulesMu.Lock()
	due := make([]*trackedRule, 0, len(s.rules))
	for _, r := range s.rules {
		if !r.rule.Enabled {
			continue
		}
		interval := r.rule.Interval
		if interval <= 0 {
			interval = defaultRuleInterval
		}
		if now.Sub(r.lastEval) < interval {
			continue
		}
		r.lastEval = now
		due = append(due, r)
	}
	s.rulesMu.Unlock()

	for _, r := range due {
		s.evaluateRule(r, now)
	}
}

func (s *Scheduler) evaluateRule(r *trackedRule, now time.Time) {
	snap := s.currentSnapshot()
	if snap == nil {
		return
	}
	plan := strings.SplitN(r.rule.Condition.Action, ".", 2)[0]
	orch, ok := snap.Orchestrator(plan)
	if !ok {
		s.logger.Warn().Str("rule", r.rule.ID).Str("plan", plan).Msg("Interrupt rule references unknown plan")
		return
	}

	fired, err := orch.PerformConditionCheck(s.baseCtx, r.rule.Condition)
	if err != nil {
		s.logger.Error().Err(err).Str("rule", r.rule.ID).Msg("Interrupt condition check failed")
		return
	}
	if !fired {
		return
	}

	cooldown := r.rule.Cooldown
	if cooldown <= 0 {
		cooldown = defaultRuleInterval
	}
	s.rulesMu.Lock()
	tooSoon := now.Sub(r.lastFire) < cooldown && !r.lastFire.IsZero()
	if !tooSoon {
		r.lastFire = now
	}
	s.rulesMu.Unlock()
	if tooSoon {
		return
	}

	s.fireInterrupt(r.rule)
}

// fireInterrupt cancels the scoped running tasks and enqueues the
// handler on the interrupt queue, bypassing the main queue entirely.
func (s *Scheduler) fireInterrupt(rule types.InterruptRule) {
	s.mu.Lock()
	var victims []*types.Tasklet
	for _, t := range s.running {
		switch rule.Scope {
		case types.ScopeAllTasks:
			victims = append(victims, t)
		default: // current_task: the task(s) running off the main queue
			if t.Queue == types.QueueMain {
				victims = append(victims, t)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range victims {
		s.logger.Info().
			Str("rule", rule.ID).
			Str("run_id", t.ID).
			Msg("Interrupt rule cancelling running task")
		t.Cancel()
	}

	plan, taskName, err := handlerTarget(rule.Handler)
	if err != nil {
		s.logger.Error().Err(err).Str("rule", rule.ID).Msg("Bad interrupt handler")
		return
	}
	runID, err := s.RunTask(plan, taskName, nil, RunOptions{
		Priority: 1,
		Queue:    types.QueueInterrupt,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("rule", rule.ID).Msg("Failed to enqueue interrupt handler")
		return
	}
	s.logger.Info().
		Str("rule", rule.ID).
		Str("run_id", runID).
		Msg("Interrupt handler enqueued")
}
