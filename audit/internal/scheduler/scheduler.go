// Package scheduler runs the flush worker on a fixed, persisted cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/worker"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// Flusher is satisfied by *worker.Flusher.
type Flusher interface {
	Flush(ctx context.Context) (worker.FlushResult, error)
}

// DefaultInterval applies when Config.Interval is zero.
const DefaultInterval = 5 * time.Second

// Config configures the flush scheduler.
type Config struct {
	Interval time.Duration
	// Owner identifies this process in the persisted trigger.
	Owner string
}

// Scheduler calls Flush every Interval. Ticks never overlap: the loop
// runs one flush at a time and the flusher serializes callers itself.
type Scheduler struct {
	mu       sync.Mutex
	flusher  Flusher
	store    TriggerStore
	interval time.Duration
	owner    string
	logger   *slog.Logger
	now      func() time.Time

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler. store may be nil for an unpersisted cadence.
func New(flusher Flusher, store TriggerStore, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if store == nil {
		store = NewMemoryTriggerStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		flusher:  flusher,
		store:    store,
		interval: cfg.Interval,
		owner:    cfg.Owner,
		logger:   logger.With(slog.String(logging.FieldComponent, "scheduler")),
		now:      time.Now,
	}
}

// Start begins the scheduling loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	stop := s.stopChan
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, stop)
	}()
	return nil
}

// Stop ends the loop and waits for an in-flight flush to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("flush scheduler stopped")
	return nil
}

// Serve runs the loop in the caller's goroutine until ctx is done, for use
// under a supervisor.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.run(ctx, nil)
	return ctx.Err()
}

func (s *Scheduler) String() string {
	return "flush-scheduler"
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}) {
	next := s.resume(ctx)
	s.logger.InfoContext(ctx, "flush scheduler starting",
		slog.Duration("interval", s.interval),
		slog.Time("next_run", next),
	)

	for {
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		ran := s.tick(ctx)
		next = s.advance(next, ran)
		s.save(ctx, Trigger{Interval: s.interval, NextRun: next, LastRun: ran, Owner: s.owner})
	}
}

// resume picks the first run time. A stored trigger with the same interval
// keeps its cadence; an overdue one fires immediately.
func (s *Scheduler) resume(ctx context.Context) time.Time {
	now := s.now()
	trigger, err := s.store.Load(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load flush trigger, starting fresh", logging.Error(err))
		trigger = nil
	}

	var next time.Time
	switch {
	case trigger == nil:
		next = now.Add(s.interval)
	case trigger.Interval != s.interval:
		// interval changed: keep the last run as the anchor
		next = trigger.LastRun.Add(s.interval)
		if trigger.LastRun.IsZero() || next.After(now.Add(s.interval)) {
			next = now.Add(s.interval)
		}
	default:
		next = trigger.NextRun
	}
	if next.Before(now) {
		next = now
	}

	var last time.Time
	if trigger != nil {
		last = trigger.LastRun
	}
	s.save(ctx, Trigger{Interval: s.interval, NextRun: next, LastRun: last, Owner: s.owner})
	return next
}

// advance moves next forward by whole intervals past ran. Missed ticks
// are skipped rather than replayed.
func (s *Scheduler) advance(next, ran time.Time) time.Time {
	next = next.Add(s.interval)
	if !next.After(ran) {
		missed := ran.Sub(next)/s.interval + 1
		next = next.Add(missed * s.interval)
	}
	return next
}

// tick runs one flush. Errors are logged and counted, never fatal.
func (s *Scheduler) tick(ctx context.Context) time.Time {
	ran := s.now()
	res, err := s.flusher.Flush(ctx)
	switch {
	case err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil:
		metrics.SchedulerTicks.WithLabelValues("canceled").Inc()
	case err != nil:
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		s.logger.WarnContext(ctx, "scheduled flush failed", logging.Error(err))
	default:
		metrics.SchedulerTicks.WithLabelValues("ok").Inc()
		if res.Listed > 0 {
			s.logger.DebugContext(ctx, "scheduled flush complete",
				logging.BatchSize(res.Listed),
				logging.Duration(res.Duration),
			)
		}
	}
	return ran
}

func (s *Scheduler) save(ctx context.Context, t Trigger) {
	if err := s.store.Save(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "failed to persist flush trigger", logging.Error(err))
	}
}
