// Package worker runs jobs on a fixed set of goroutines fed by a one-slot queue.
package worker

import (
	"context"
	"runtime"
	"sync"
)

// Job is one unit of work. It receives the context given at submission.
type Job func(ctx context.Context)

// Pool is a fixed-size worker pool with a 1-slot input queue (strict back-pressure).
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	closeOnce sync.Once
}

type job struct {
	ctx context.Context
	run Job
}

// New creates a worker pool. Size defaults to NumCPU when size<=0. Queue is 1 slot.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{jobs: make(chan job, 1)}
	p.start(size)
	return p
}

func (p *Pool) start(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				// A job queued before its context ended is skipped, not run.
				if j.ctx.Err() != nil {
					continue
				}
				j.run(j.ctx)
			}
		}()
	}
}

// Submit enqueues a job if the single-slot queue is free. Returns false if dropped.
func (p *Pool) Submit(ctx context.Context, run Job) bool {
	select {
	case p.jobs <- job{ctx: ctx, run: run}:
		return true
	default:
		return false
	}
}

// SubmitWait blocks until the job is queued or ctx ends. Returns false if ctx ended first.
func (p *Pool) SubmitWait(ctx context.Context, run Job) bool {
	select {
	case p.jobs <- job{ctx: ctx, run: run}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops the pool after draining current work. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}
