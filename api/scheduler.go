/*
scheduler.go - Periodic expiry sweep

PURPOSE:
  Runs the expiry sweep on a fixed cadence: no-show cancellation, instant
  booking expiry, and reminders. Every scan is recorded as a SweepRun for
  audit and the admin endpoint.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on start
  - Each scan is isolated: one failing scan does not stop the others
  - Overlapping runs (ticker + manual trigger, several instances) are safe
    because settlement is guarded per booking in the store

CONFIGURATION:
  - Interval: How often to sweep (default: 5 minutes)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(store, sweeper, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual run)
  - swap/expiry.go: Sweeper
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/swap-engine/store/sqlite"
	"github.com/warp/swap-engine/swap"
)

// SweepScheduler drives the expiry sweep.
type SweepScheduler struct {
	Store    *sqlite.Store
	Sweeper  *swap.Sweeper
	Interval time.Duration
	Enabled  bool
	Logger   *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(store *sqlite.Store, sweeper *swap.Sweeper, logger *zap.Logger) *SweepScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepScheduler{
		Store:    store,
		Sweeper:  sweeper,
		Interval: 5 * time.Minute,
		Enabled:  true,
		Logger:   logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow executes every scan once and records a SweepRun for each.
func (s *SweepScheduler) RunNow(ctx context.Context) []swap.SweepReport {
	scans := []struct {
		kind swap.SweepKind
		fn   func(context.Context) (swap.SweepReport, error)
	}{
		{swap.SweepNoShow, s.Sweeper.CancelNoShows},
		{swap.SweepInstant, s.Sweeper.ExpireInstantBookings},
		{swap.SweepReminders, s.Sweeper.SendReminders},
	}

	reports := make([]swap.SweepReport, 0, len(scans))
	for _, scan := range scans {
		reports = append(reports, s.runScan(ctx, scan.kind, scan.fn))
	}
	return reports
}

func (s *SweepScheduler) runScan(ctx context.Context, kind swap.SweepKind, fn func(context.Context) (swap.SweepReport, error)) swap.SweepReport {
	run := sqlite.SweepRun{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	if err := s.Store.SaveSweepRun(ctx, run); err != nil {
		s.Logger.Warn("failed to record sweep run", zap.String("kind", string(kind)), zap.Error(err))
	}

	rep, err := fn(ctx)
	rep.Kind = kind

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Scanned, run.Released, run.Notified = rep.Scanned, rep.Released, rep.Notified
	run.Skipped, run.Failed = rep.Skipped, rep.Failed
	run.Status = "completed"
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		s.Logger.Error("sweep scan failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	// Recorded even when the scan's context was cancelled during shutdown.
	if err := s.Store.SaveSweepRun(context.WithoutCancel(ctx), run); err != nil {
		s.Logger.Warn("failed to update sweep run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return rep
}
