// Package schedule evaluates cron expressions and fires engine invocations.
// It runs as a background goroutine inside flowbusd, checking registered
// jobs at a configurable interval (default 30s).
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultInterval is the default job check interval.
const DefaultInterval = 30 * time.Second

// Invoker runs one input through an engine. *flowbus.PubSub satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, input any) (any, error)
}

// Job declares one cron-fired invocation.
type Job struct {
	Name    string
	Cron    string
	Input   any
	Invoker Invoker
}

// Status reports a job's bookkeeping. Misfired ticks are skipped, not
// replayed — the runtime is in-memory and keeps no durable schedule state.
type Status struct {
	LastRun    time.Time
	NextRun    time.Time
	LastOutput any
	LastError  string
	Fires      int
}

// job pairs a Job with its parsed schedule and bookkeeping.
type job struct {
	Job
	schedule cron.Schedule
	status   Status
	running  bool
}

// Scheduler checks registered jobs and fires invocations when they're due.
type Scheduler struct {
	interval time.Duration
	parser   cron.Parser

	mu   sync.Mutex
	jobs map[string]*job

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given check interval.
// A non-positive interval uses DefaultInterval.
func New(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		jobs:     make(map[string]*job),
	}
}

// Add registers a job. The cron expression is parsed eagerly so a bad spec
// fails at registration, not at tick time.
func (s *Scheduler) Add(j Job) error {
	schedule, err := s.parser.Parse(j.Cron)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.Name] = &job{
		Job:      j,
		schedule: schedule,
		status:   Status{NextRun: schedule.Next(time.Now())},
	}
	return nil
}

// Status returns the bookkeeping for a named job.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return Status{}, false
	}
	return j.status, true
}

// Start begins the background scheduler goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, time.Now())
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it and any in-flight
// invocations to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	s.wg.Wait()
}

// tick fires every due job. Invocations run on their own goroutines so one
// slow run does not delay the others; a job with a run still in flight is
// skipped instead of piling up duplicates.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, j := range s.jobs {
		if j.status.NextRun.After(now) {
			continue
		}
		if j.running {
			slog.Debug("schedule: skipping — job already has a run in flight", "job", name)
			continue
		}

		// Catch up once, then advance to the future.
		j.status.NextRun = j.schedule.Next(now)
		j.status.LastRun = now
		j.running = true

		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			out, err := j.Invoker.Invoke(ctx, j.Input)

			s.mu.Lock()
			defer s.mu.Unlock()
			j.running = false
			j.status.Fires++
			if err != nil {
				j.status.LastError = err.Error()
				slog.Error("schedule: job failed", "job", j.Name, "error", err)
				return
			}
			j.status.LastOutput = out
			j.status.LastError = ""
			slog.Info("schedule: fired job", "job", j.Name, "next_run_at", j.status.NextRun)
		}(j)
	}
}
