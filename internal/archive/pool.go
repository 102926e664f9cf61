package archive

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/lobcap/internal/monitoring"
)

// DayMerger consolidates one (symbol, day) of rotated buckets.
type DayMerger interface {
	MergeDay(symbol, day string) error
}

// Job identifies one day-consolidation task.
type Job struct {
	Symbol string
	Day    string
}

// Pool runs merge jobs on a fixed set of worker goroutines with a
// bounded queue.
//
// Design:
//   - Submission never blocks: a full queue drops the job and counts it
//   - Each job runs with panic recovery, so one corrupt archive cannot
//     kill the workers that every later day depends on
//   - Stop closes the queue and waits for workers to drain it, which is
//     what bounds the shutdown wait
//
// Thread safety: all methods are safe for concurrent use.
type Pool struct {
	workerCount int
	jobs        chan Job
	merger      DayMerger
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     atomic.Int64
	logger      zerolog.Logger
}

// NewPool creates a merge pool with workerCount workers and a queue of
// queueSize pending jobs.
func NewPool(workerCount, queueSize int, merger DayMerger, logger zerolog.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workerCount: workerCount,
		jobs:        make(chan Job, queueSize),
		merger:      merger,
		logger:      logger.With().Str("component", "merge_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit. The
// context is a hard stop: when it is cancelled workers exit after
// their current job without draining the queue. For the normal
// shutdown path use Stop, which drains.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(job)
		case <-p.ctx.Done():
			p.logger.Debug().Msg("Merge worker shutting down")
			return
		}
	}
}

// run executes one merge with panic recovery.
func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Str("symbol", job.Symbol).
				Str("day", job.Day).
				Msg("Merge worker panic recovered - job failed but worker continues")
			monitoring.RecordMergeFailure()
		}
	}()

	if err := p.merger.MergeDay(job.Symbol, job.Day); err != nil {
		p.logger.Error().
			Err(err).
			Str("symbol", job.Symbol).
			Str("day", job.Day).
			Msg("Day merge failed; bucket archives left in place for a later run")
		monitoring.RecordMergeFailure()
	}
}

// Submit enqueues a merge job and reports whether it was accepted. A
// full queue drops the job rather than stalling the writer that called
// in; the day's buckets stay on disk for a later process run.
func (p *Pool) Submit(symbol, day string) bool {
	select {
	case p.jobs <- Job{Symbol: symbol, Day: day}:
		return true
	default:
		p.dropped.Add(1)
		monitoring.RecordMergeTaskDropped()
		p.logger.Warn().
			Str("symbol", symbol).
			Str("day", day).
			Msg("Merge queue full, job dropped")
		return false
	}
}

// Stop closes the queue, lets workers drain any pending jobs, and
// returns once all workers have exited. Submitting after Stop panics,
// so stop producers first.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

// QueueDepth returns the number of jobs waiting in the queue.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Dropped returns the total number of jobs rejected on a full queue.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}
