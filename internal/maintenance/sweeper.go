// Package maintenance reclaims tasks abandoned by crashed or hung workers.
// The sweep runs on a cron schedule plus once at startup, and is idempotent:
// overlapping sweeps cannot double-count or corrupt task state.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelfoundry/analysis-orchestrator/internal/observability"
	"github.com/modelfoundry/analysis-orchestrator/internal/store"
)

// Options configures a Sweeper.
type Options struct {
	Store          *store.Store
	Schedule       string
	RunningTimeout time.Duration
	PendingTimeout time.Duration
	GracePeriod    time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Now            func() time.Time
}

// Sweeper periodically cancels tasks stuck past their stage timeout.
type Sweeper struct {
	store          *store.Store
	schedule       cron.Schedule
	runningTimeout time.Duration
	pendingTimeout time.Duration
	gracePeriod    time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
	now            func() time.Time

	mu       sync.Mutex
	lastRun  time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// New validates the cron expression and builds a Sweeper.
func New(opts Options) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", opts.Schedule, err)
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("maintenance")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		store:          opts.Store,
		schedule:       sched,
		runningTimeout: opts.RunningTimeout,
		pendingTimeout: opts.PendingTimeout,
		gracePeriod:    opts.GracePeriod,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		stopChan:       make(chan struct{}),
	}, nil
}

// Sweep runs one reclamation pass and returns the number of tasks cancelled.
// Safe to call concurrently with a scheduled sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	reclaimed, err := s.store.ReclaimStuck(ctx, now, s.runningTimeout, s.pendingTimeout, s.gracePeriod)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck tasks: %w", err)
	}

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()

	if reclaimed > 0 {
		s.metrics.IncReclaimed(int(reclaimed))
		s.logger.Info("maintenance sweep reclaimed stuck tasks", "count", reclaimed)
	} else {
		s.logger.Debug("maintenance sweep found nothing to reclaim")
	}
	return reclaimed, nil
}

// NextRun returns when the next scheduled sweep is due.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	if last.IsZero() {
		last = s.now()
	}
	return s.schedule.Next(last)
}

// Start sweeps once immediately, then on the cron schedule until Stop is
// called or ctx expires. It blocks; run it in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("startup sweep failed", "error", err.Error())
	}

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("scheduled sweep failed", "error", err.Error())
			}
		case <-s.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Stop ends the sweep loop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
