package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduling defaults.
const (
	// DefaultThreshold is the number of conversations between automatic
	// maintenance runs.
	DefaultThreshold = 5

	// defaultDelay is the pause between crossing the threshold and starting
	// the run, so maintenance never races the tail of a conversation.
	defaultDelay = 15 * time.Second
)

// Scheduler owns the conversations-since-last-maintenance counter and
// guarantees at most one maintenance job in flight.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	opts      Options
	threshold int
	delay     time.Duration
	run       runnerFunc

	mu            sync.Mutex
	conversations int
	running       *Job
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithThreshold overrides the auto-trigger conversation count.
func WithThreshold(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithDelay overrides the pre-run delay. Intended for tests.
func WithDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.delay = d }
}

// withRunner swaps the sub-agent spawner. Intended for tests.
func withRunner(run runnerFunc) SchedulerOption {
	return func(s *Scheduler) { s.run = run }
}

// NewScheduler returns a Scheduler running maintenance jobs with opts.
func NewScheduler(opts Options, schedOpts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		opts:      opts,
		threshold: DefaultThreshold,
		delay:     defaultDelay,
	}
	for _, opt := range schedOpts {
		opt(s)
	}
	return s
}

// RecordConversation notes a completed conversation turn. Crossing the
// threshold schedules an automatic run after the configured delay.
func (s *Scheduler) RecordConversation() {
	s.mu.Lock()
	s.conversations++
	trigger := s.conversations >= s.threshold
	if trigger {
		s.conversations = 0
	}
	s.mu.Unlock()

	if !trigger {
		return
	}
	slog.Info("enrich: auto-maintenance scheduled", "delay", s.delay)
	time.AfterFunc(s.delay, func() {
		if job := s.Trigger(context.Background(), "automatic"); job == nil {
			slog.Info("enrich: auto-maintenance skipped, job already running")
		}
	})
}

// Trigger starts a maintenance job in the background and returns it, or
// returns nil when one is already in flight.
func (s *Scheduler) Trigger(ctx context.Context, trigger string) *Job {
	s.mu.Lock()
	if s.running != nil {
		s.mu.Unlock()
		return nil
	}
	job := newJob(trigger, s.opts, s.run)
	s.running = job
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = nil
			s.mu.Unlock()
		}()
		if err := job.Run(ctx); err != nil {
			slog.Error("enrich: maintenance failed", "job", job.ID, "trigger", trigger, "err", err)
		}
	}()
	return job
}

// Running returns the in-flight job, or nil.
func (s *Scheduler) Running() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
