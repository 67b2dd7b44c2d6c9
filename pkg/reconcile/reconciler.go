// Package reconcile repairs ingestions the feed pipeline left behind:
// records stuck in processing, queued records whose change event was never
// acted on, and dead-lettered batches. It also prunes the change feed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/observability/metrics"
)

// Pruner drops consumed change events appended before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeadLetterSource hands out stored dead-letter batches; a batch is removed
// only when fn succeeds.
type DeadLetterSource interface {
	Drain(ctx context.Context, fn func(context.Context, feed.DeadLetterBatch) error) (int, error)
}

type Options struct {
	StaleAfter   time.Duration
	RedriveAfter time.Duration
	Retention    time.Duration
	PageSize     int
}

type Summary struct {
	Failed   int   `json:"failed"`
	Redriven int   `json:"redriven"`
	Pruned   int64 `json:"pruned"`
}

type Reconciler struct {
	store  ingestion.Store
	pruner Pruner
	opts   Options
	now    func() time.Time
}

// New builds a reconciler. pruner may be nil.
func New(store ingestion.Store, pruner Pruner, opts Options) *Reconciler {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.RedriveAfter <= 0 {
		opts.RedriveAfter = time.Hour
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Reconciler{store: store, pruner: pruner, opts: opts, now: time.Now}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// RunOnce runs every repair and prunes the feed. A failing step does not stop
// the others.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	var errs []error

	n, err := r.FailStale(ctx)
	sum.Failed = n
	errs = append(errs, err)

	n, err = r.RedriveQueued(ctx)
	sum.Redriven = n
	errs = append(errs, err)

	pruned, err := r.Prune(ctx)
	sum.Pruned = pruned
	errs = append(errs, err)

	return sum, errors.Join(errs...)
}

// FailStale moves records that have been processing longer than StaleAfter to
// failed.
func (r *Reconciler) FailStale(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.opts.StaleAfter)
	message := fmt.Sprintf("abandoned: no load outcome within %s", r.opts.StaleAfter)

	failed := 0
	err := r.scan(ctx, ingestion.StatusProcessing, func(rec ingestion.Record) error {
		if !rec.UpdatedAt.Before(cutoff) {
			return nil
		}
		_, effect, err := r.store.Transition(ctx, rec.CreatedBy, rec.ID, ingestion.Fail(message))
		if raced(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail stale %s/%s: %w", rec.CreatedBy, rec.ID, err)
		}
		if effect == ingestion.EffectApplied {
			failed++
			logger.Log.WithFields(map[string]interface{}{
				"created_by": rec.CreatedBy,
				"id":         rec.ID,
				"updated_at": rec.UpdatedAt,
			}).Warn("Failed stale ingestion")
		}
		return nil
	})
	metrics.AddReconciled(failed)
	return failed, err
}

// RedriveQueued re-puts queued records untouched for RedriveAfter, which
// appends a fresh change event for the processor.
func (r *Reconciler) RedriveQueued(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.opts.RedriveAfter)

	redriven := 0
	err := r.scan(ctx, ingestion.StatusQueued, func(rec ingestion.Record) error {
		if !rec.UpdatedAt.Before(cutoff) {
			return nil
		}
		ok, err := r.requeue(ctx, rec)
		if ok {
			redriven++
		}
		return err
	})
	metrics.AddReconciled(redriven)
	return redriven, err
}

// Replay re-drives one dead-lettered batch. Only records still queued are
// re-put; anything the processor or a user has since settled is left alone.
func (r *Reconciler) Replay(ctx context.Context, batch feed.DeadLetterBatch) (int, error) {
	latest := make(map[string]feed.Event, len(batch.Events))
	order := make([]string, 0, len(batch.Events))
	for _, ev := range batch.Events {
		if _, seen := latest[ev.Key()]; !seen {
			order = append(order, ev.Key())
		}
		if ev.Seq >= latest[ev.Key()].Seq {
			latest[ev.Key()] = ev
		}
	}

	replayed := 0
	for _, key := range order {
		ev := latest[key]
		if ev.Kind == feed.KindRemove {
			continue
		}
		rec, err := r.store.Get(ctx, ev.CreatedBy, ev.ID)
		if errors.Is(err, ingestion.ErrNotFound) {
			continue
		}
		if err != nil {
			return replayed, fmt.Errorf("replay %s: %w", key, err)
		}
		if rec.Status != ingestion.StatusQueued {
			continue
		}
		ok, err := r.requeue(ctx, rec)
		if err != nil {
			return replayed, err
		}
		if ok {
			replayed++
		}
	}
	return replayed, nil
}

// ReplayDeadLetters drains src through Replay and returns the number of
// batches and records re-driven.
func (r *Reconciler) ReplayDeadLetters(ctx context.Context, src DeadLetterSource) (int, int, error) {
	records := 0
	batches, err := src.Drain(ctx, func(ctx context.Context, batch feed.DeadLetterBatch) error {
		n, err := r.Replay(ctx, batch)
		records += n
		if err != nil {
			return err
		}
		logger.Log.WithFields(map[string]interface{}{
			"group":     batch.Group,
			"first_seq": batch.FirstSeq(),
			"last_seq":  batch.LastSeq(),
			"requeued":  n,
		}).Info("Replayed dead-lettered batch")
		return nil
	})
	metrics.AddDeadLettersReplayed(batches)
	return batches, records, err
}

// Prune drops change events older than Retention that every consumer group
// has committed past.
func (r *Reconciler) Prune(ctx context.Context) (int64, error) {
	if r.pruner == nil {
		return 0, nil
	}
	n, err := r.pruner.Prune(ctx, r.now().Add(-r.opts.Retention))
	if err != nil {
		return 0, fmt.Errorf("prune change feed: %w", err)
	}
	return n, nil
}

func (r *Reconciler) requeue(ctx context.Context, rec ingestion.Record) (bool, error) {
	_, err := r.store.Put(ctx, rec)
	if raced(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("requeue %s/%s: %w", rec.CreatedBy, rec.ID, err)
	}
	return true, nil
}

// scan pages through every record in status.
func (r *Reconciler) scan(ctx context.Context, status ingestion.Status, fn func(ingestion.Record) error) error {
	q := ingestion.ListQuery{Status: &status, Limit: r.opts.PageSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := r.store.List(ctx, q)
		if err != nil {
			return fmt.Errorf("list %s ingestions: %w", status, err)
		}
		for _, rec := range page.Items {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		q.Cursor = page.Next
	}
}

// raced reports errors caused by the record moving on between list and write.
func raced(err error) bool {
	return errors.Is(err, ingestion.ErrNotFound) ||
		errors.Is(err, ingestion.ErrInvalidTransition) ||
		errors.Is(err, ingestion.ErrConflict)
}
