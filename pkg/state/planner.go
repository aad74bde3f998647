package state

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/aurafw/aura/pkg/types"
	"github.com/rs/zerolog"
)

// Unknown is returned by DetermineCurrentState when no check succeeds
const Unknown = ""

// TaskRunner invokes a transition task and returns when it completes
type TaskRunner func(ctx context.Context, task string) error

// CheckRunner invokes a state-check task and reports whether the state holds
type CheckRunner func(ctx context.Context, task string) (bool, error)

// Config bounds verification and replanning
type Config struct {
	VerifyRetries int
	VerifyBackoff time.Duration
	MaxReplans    int
}

// DefaultConfig returns the standard planner bounds
func DefaultConfig() Config {
	return Config{
		VerifyRetries: 3,
		VerifyBackoff: 500 * time.Millisecond,
		MaxReplans:    5,
	}
}

type edge struct {
	to   string
	cost int
	task string
}

// Planner computes the current state of a plan's world and the
// minimum-cost transition path to a required state. Adjacency tables
// are precomputed once per state map.
type Planner struct {
	plan     string
	sm       *types.StateMap
	forward  map[string][]edge
	reverse  map[string][]edge
	runTask  TaskRunner
	runCheck CheckRunner
	cfg      Config
	logger   zerolog.Logger
}

// NewPlanner builds a planner over a plan's state map
func NewPlanner(plan string, sm *types.StateMap, runTask TaskRunner, runCheck CheckRunner, cfg Config) *Planner {
	p := &Planner{
		plan:     plan,
		sm:       sm,
		forward:  make(map[string][]edge),
		reverse:  make(map[string][]edge),
		runTask:  runTask,
		runCheck: runCheck,
		cfg:      cfg,
		logger:   log.WithComponent("planner").With().Str("plan", plan).Logger(),
	}
	for _, tr := range sm.Transitions {
		p.forward[tr.From] = append(p.forward[tr.From], edge{to: tr.To, cost: tr.Cost, task: tr.Task})
		p.reverse[tr.To] = append(p.reverse[tr.To], edge{to: tr.From, cost: tr.Cost, task: tr.Task})
	}
	for _, adj := range []map[string][]edge{p.forward, p.reverse} {
		for _, edges := range adj {
			sort.Slice(edges, func(i, j int) bool {
				if edges[i].to != edges[j].to {
					return edges[i].to < edges[j].to
				}
				return edges[i].task < edges[j].task
			})
		}
	}
	return p
}

type checkCandidate struct {
	state    string
	task     string
	priority int
	dist     int
	async    bool
}

// DetermineCurrentState probes the world and returns the current state
// plus its hop-distance to target. Checks nearer the target (on the
// reverse graph) run first; async-capable checks race in parallel
// before the rest run sequentially. Returns Unknown when nothing holds.
func (p *Planner) DetermineCurrentState(ctx context.Context, target string) (string, int, error) {
	dist := p.hopDistances(target)
	candidates := p.checkList(dist)

	var async, sequential []checkCandidate
	for _, c := range candidates {
		if c.async {
			async = append(async, c)
		} else {
			sequential = append(sequential, c)
		}
	}

	if winner, err := p.raceChecks(ctx, async); err != nil {
		return Unknown, 0, err
	} else if winner != nil {
		return winner.state, winner.dist, nil
	}

	for _, c := range sequential {
		if err := ctx.Err(); err != nil {
			return Unknown, 0, err
		}
		ok, err := p.runCheck(ctx, c.task)
		if err != nil {
			p.logger.Warn().Err(err).Str("state", c.state).Msg("State check failed")
			continue
		}
		if ok {
			return c.state, c.dist, nil
		}
	}
	return Unknown, 0, nil
}

// hopDistances runs BFS on the reverse graph from target
func (p *Planner) hopDistances(target string) map[string]int {
	dist := map[string]int{target: 0}
	queue := []string{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range p.reverse[cur] {
			if _, seen := dist[e.to]; !seen {
				dist[e.to] = dist[cur] + 1
				queue = append(queue, e.to)
			}
		}
	}
	return dist
}

// checkList collects states declaring a check task, sorted ascending by
// (hop distance, priority, name). States unreachable from target sort last.
func (p *Planner) checkList(dist map[string]int) []checkCandidate {
	var out []checkCandidate
	for name, spec := range p.sm.States {
		if spec.CheckTask == "" {
			continue
		}
		d, reachable := dist[name]
		if !reachable {
			d = math.MaxInt32
		}
		out = append(out, checkCandidate{
			state:    name,
			task:     spec.CheckTask,
			priority: spec.Priority,
			dist:     d,
			async:    spec.CanAsync,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].state < out[j].state
	})
	return out
}

// raceChecks launches async-capable checks concurrently; the first
// truthy result wins and cancels the rest.
func (p *Planner) raceChecks(ctx context.Context, candidates []checkCandidate) (*checkCandidate, error) {
	if len(candidates) == 0 {
		return nil, ctx.Err()
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		c  checkCandidate
		ok bool
	}
	results := make(chan outcome, len(candidates))
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c checkCandidate) {
			defer wg.Done()
			ok, err := p.runCheck(raceCtx, c.task)
			if err != nil {
				p.logger.Warn().Err(err).Str("state", c.state).Msg("State check failed")
				ok = false
			}
			results <- outcome{c: c, ok: ok}
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.ok {
			cancel()
			// Drain remaining goroutines' results.
			go func() {
				for range results {
				}
			}()
			return &res.c, nil
		}
	}
	return nil, ctx.Err()
}

// Plan runs Dijkstra on the forward graph and returns the minimum-cost
// transition path from current to target. Ties break by fewer hops,
// then by deterministic edge order.
func (p *Planner) Plan(current, target string) ([]types.Transition, error) {
	if current == target {
		return nil, nil
	}

	type nodeCost struct {
		cost int
		hops int
	}
	best := map[string]nodeCost{current: {}}
	prev := map[string]edge{}
	prevNode := map[string]string{}
	visited := map[string]bool{}

	for {
		// Select the unvisited node with the smallest (cost, hops, name).
		cur := ""
		curBest := nodeCost{cost: math.MaxInt32, hops: math.MaxInt32}
		for name, nc := range best {
			if visited[name] {
				continue
			}
			if cur == "" || nc.cost < curBest.cost ||
				(nc.cost == curBest.cost && (nc.hops < curBest.hops ||
					(nc.hops == curBest.hops && name < cur))) {
				cur = name
				curBest = nc
			}
		}
		if cur == "" {
			break
		}
		if cur == target {
			break
		}
		visited[cur] = true

		for _, e := range p.forward[cur] {
			nc := nodeCost{cost: curBest.cost + e.cost, hops: curBest.hops + 1}
			old, seen := best[e.to]
			if !seen || nc.cost < old.cost || (nc.cost == old.cost && nc.hops < old.hops) {
				best[e.to] = nc
				prev[e.to] = e
				prevNode[e.to] = cur
			}
		}
	}

	if _, ok := best[target]; !ok {
		return nil, fmt.Errorf("%w: no transition path from %q to %q in plan %s",
			types.ErrPlanningFailed, current, target, p.plan)
	}

	var path []types.Transition
	for at := target; at != current; at = prevNode[at] {
		e := prev[at]
		path = append(path, types.Transition{From: prevNode[at], To: at, Task: e.task, Cost: e.cost})
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// PathCost sums the edge costs of a path
func PathCost(path []types.Transition) int {
	total := 0
	for _, tr := range path {
		total += tr.Cost
	}
	return total
}

// ExecutePath runs each transition task in order, verifying after each
// one that the expected destination state holds. Verification retries
// with backoff; exhausting the retries reports failure so the caller
// can replan.
func (p *Planner) ExecutePath(ctx context.Context, path []types.Transition) error {
	for _, tr := range path {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.logger.Debug().
			Str("from", tr.From).
			Str("to", tr.To).
			Str("task", tr.Task).
			Msg("Executing transition")
		if err := p.runTask(ctx, tr.Task); err != nil {
			return fmt.Errorf("transition task %s failed: %w", tr.Task, err)
		}
		if err := p.verifyState(ctx, tr.To); err != nil {
			return err
		}
	}
	return nil
}

// verifyState re-runs a state's check with bounded retry and backoff
func (p *Planner) verifyState(ctx context.Context, state string) error {
	spec, ok := p.sm.States[state]
	if !ok || spec.CheckTask == "" {
		// Nothing to verify against; trust the transition.
		return nil
	}

	backoff := p.cfg.VerifyBackoff
	var lastErr error
	for attempt := 0; attempt <= p.cfg.VerifyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		ok, err := p.runCheck(ctx, spec.CheckTask)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		lastErr = fmt.Errorf("state %q not reached", state)
	}
	return fmt.Errorf("verification of state %q exhausted retries: %w", state, lastErr)
}

// EnsureState drives the full plan-execute-verify loop until the target
// state holds, replanning from a fresh current-state probe on
// verification failure, bounded by MaxReplans.
func (p *Planner) EnsureState(ctx context.Context, target string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlanningDuration)

	if _, ok := p.sm.States[target]; !ok {
		return fmt.Errorf("%w: unknown target state %q in plan %s",
			types.ErrPlanningFailed, target, p.plan)
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			metrics.ReplansTotal.Inc()
		}
		if attempt > p.cfg.MaxReplans {
			return fmt.Errorf("%w: gave up reaching %q in plan %s after %d replans",
				types.ErrPlanningFailed, target, p.plan, p.cfg.MaxReplans)
		}

		current, _, err := p.DetermineCurrentState(ctx, target)
		if err != nil {
			return err
		}
		if current == Unknown {
			return fmt.Errorf("%w: cannot determine current state for plan %s",
				types.ErrPlanningFailed, p.plan)
		}
		if current == target {
			return nil
		}

		path, err := p.Plan(current, target)
		if err != nil {
			return err
		}
		p.logger.Info().
			Str("current", current).
			Str("target", target).
			Int("steps", len(path)).
			Int("cost", PathCost(path)).
			Msg("State plan computed")

		err = p.ExecutePath(ctx, path)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("State plan execution failed, replanning")
	}
}
