package executor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"
)

// ErrPoolsClosed is returned for work submitted after shutdown began
var ErrPoolsClosed = errors.New("worker pools are shut down")

type poolResult struct {
	value any
	err   error
}

type poolJob struct {
	ctx  context.Context
	fn   func() (any, error)
	done chan poolResult
}

type workerPool struct {
	jobs chan *poolJob
	quit chan struct{}
	wg   sync.WaitGroup
}

func newWorkerPool(workers, backlog int) *workerPool {
	p := &workerPool{
		jobs: make(chan *poolJob, backlog),
		quit: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			if err := j.ctx.Err(); err != nil {
				j.done <- poolResult{err: err}
				continue
			}
			v, err := j.fn()
			j.done <- poolResult{value: v, err: err}
		case <-p.quit:
			return
		}
	}
}

func (p *workerPool) run(ctx context.Context, fn func() (any, error), grace time.Duration) (any, error) {
	j := &poolJob{ctx: ctx, fn: fn, done: make(chan poolResult, 1)}

	// Check quit first: once shutdown has begun the buffered send below is
	// also ready, and select would pick between the two at random.
	select {
	case <-p.quit:
		return nil, ErrPoolsClosed
	default:
	}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrPoolsClosed
	}

	select {
	case res := <-j.done:
		return res.value, res.err
	case <-ctx.Done():
		// Cooperative cancel was signalled through ctx; give the action
		// a bounded grace to notice, then abandon it as cancelled.
		select {
		case res := <-j.done:
			return res.value, res.err
		case <-time.After(grace):
			return nil, ctx.Err()
		}
	}
}

func (p *workerPool) stop() {
	close(p.quit)
}

func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pools owns the IO and CPU worker sets actions are dispatched to. The
// IO pool is sized for blocking work (default 4x logical CPUs); the CPU
// pool caps compute-heavy actions independently (default one worker per
// logical CPU).
type Pools struct {
	io    *workerPool
	cpu   *workerPool
	grace time.Duration
}

// NewPools creates both pools with the given sizes. Zero sizes pick the
// defaults.
func NewPools(ioWorkers, cpuWorkers int, grace time.Duration) *Pools {
	if ioWorkers <= 0 {
		ioWorkers = 4 * runtime.NumCPU()
	}
	if cpuWorkers <= 0 {
		cpuWorkers = runtime.NumCPU()
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Pools{
		io:    newWorkerPool(ioWorkers, ioWorkers*4),
		cpu:   newWorkerPool(cpuWorkers, cpuWorkers*4),
		grace: grace,
	}
}

// RunIO runs fn on the IO pool and awaits its result
func (p *Pools) RunIO(ctx context.Context, fn func() (any, error)) (any, error) {
	return p.io.run(ctx, fn, p.grace)
}

// RunCPU runs fn on the CPU pool and awaits its result
func (p *Pools) RunCPU(ctx context.Context, fn func() (any, error)) (any, error) {
	return p.cpu.run(ctx, fn, p.grace)
}

// Shutdown stops accepting work and waits for in-flight jobs up to the
// context's deadline.
func (p *Pools) Shutdown(ctx context.Context) error {
	p.io.stop()
	p.cpu.stop()
	if err := p.io.wait(ctx); err != nil {
		return err
	}
	return p.cpu.wait(ctx)
}
