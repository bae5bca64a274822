// Package scheduler runs fire-and-forget stale-while-revalidate refresh
// tasks off the request path (spec §4.7): the pipeline enqueues a refresh
// for a key and returns the stale response to the client immediately; the
// scheduler dispatches the task on its own goroutine pool, throttled so a
// burst of simultaneously-expiring keys can't flood the origin.
package scheduler

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
)

// Task is a side-effect-only unit of work; it returns no value, per spec
// §4.7's "schedule(fn) submits a side-effect-only task".
type Task func(ctx context.Context)

// Scheduler is a bounded queue of refresh tasks drained by a fixed pool of
// workers, each gated by a shared rate limiter. Submission never blocks:
// on a full queue the task is dropped, which spec §4.7 and the redesign
// notes call out as acceptable because the refresh:K mark self-heals (the
// next stale hit re-schedules).
type Scheduler struct {
	tasks   chan Task
	limiter ratelimit.Limiter
	log     zerolog.Logger
}

// New builds a Scheduler with the given queue depth, worker count, and a
// maximum dispatch rate in tasks per second. A non-positive rate falls
// back to a high default rather than an unbounded one, so a misconfigured
// 0 can't turn a key-expiry storm into an origin-flooding storm.
func New(queueDepth, workers, maxPerSecond int, log zerolog.Logger) *Scheduler {
	if maxPerSecond <= 0 {
		maxPerSecond = 1000
	}
	limiter := ratelimit.New(maxPerSecond)

	s := &Scheduler{
		tasks:   make(chan Task, queueDepth),
		limiter: limiter,
		log:     log.With().Str("component", "scheduler").Logger(),
	}

	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Schedule enqueues fn for asynchronous execution. It never blocks the
// caller's response path: if the queue is full, the task is dropped and
// logged, not run inline and not retried.
func (s *Scheduler) Schedule(fn Task) {
	select {
	case s.tasks <- fn:
	default:
		s.log.Warn().Msg("refresh queue full, dropping task")
	}
}

func (s *Scheduler) worker() {
	for fn := range s.tasks {
		s.limiter.Take()
		s.runTask(fn)
	}
}

// runTask isolates a single task's execution so a panicking refresh body
// can't take down a worker goroutine and silently stop all future
// refreshes.
func (s *Scheduler) runTask(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("refresh task panicked")
		}
	}()
	fn(context.Background())
}

// Close closes the queue; workers run the tasks already queued and then
// exit. It does not wait for them. Schedule must not be called after
// Close: sending on the closed queue panics.
func (s *Scheduler) Close() {
	close(s.tasks)
}
