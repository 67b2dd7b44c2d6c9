package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/robfig/cron/v3"
)

// Scheduler runs the reconciler on a cron schedule. Overlapping runs are
// skipped.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	timeout    time.Duration
}

func NewScheduler(r *Reconciler, schedule string, timeout time.Duration) (*Scheduler, error) {
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		reconciler: r,
		timeout:    timeout,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx ends, then waits for a
// running pass to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	logger.Log.Info("Reconcile scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	logger.Log.Info("Reconcile scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	sum, err := s.reconciler.RunOnce(ctx)
	entry := logger.Log.WithFields(map[string]interface{}{
		"failed":      sum.Failed,
		"redriven":    sum.Redriven,
		"pruned":      sum.Pruned,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Reconcile pass failed")
		return
	}
	entry.Info("Reconcile pass complete")
}
