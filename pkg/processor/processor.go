// Package processor drives queued ingestions from the change feed into the
// catalog.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/catalog"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/ingestion"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/observability/metrics"
	"github.com/panjf2000/ants/v2"
)

// settleTimeout bounds the status write that follows a load, which runs even
// after the batch context is done so a loaded item is never left processing.
const settleTimeout = 10 * time.Second

// Notifier is told about every ingestion the processor settles.
type Notifier interface {
	Notify(ctx context.Context, rec ingestion.Record) error
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Report counts what happened to each distinct key of a batch.
type Report struct {
	Succeeded int
	Failed    int
	Skipped   int
	Errors    int
}

func (r *Report) add(o Outcome) {
	switch o {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeError:
		r.Errors++
	}
}

// Processor handles one batch at a time and keeps no state between batches.
// Items are isolated: a catalog rejection fails only that ingestion, while
// store failures fail the whole batch so the runner can retry it.
type Processor struct {
	store    ingestion.Store
	loader   catalog.Loader
	pool     *ants.Pool
	notifier Notifier
}

func New(store ingestion.Store, loader catalog.Loader, concurrency int) (*Processor, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Processor{store: store, loader: loader, pool: pool}, nil
}

// WithNotifier enables outcome notifications.
func (p *Processor) WithNotifier(n Notifier) *Processor {
	p.notifier = n
	return p
}

func (p *Processor) Close() {
	p.pool.Release()
}

// Handle implements feed.Handler.
func (p *Processor) Handle(ctx context.Context, batch []feed.Event) error {
	_, err := p.Process(ctx, batch)
	return err
}

func (p *Processor) Process(ctx context.Context, batch []feed.Event) (Report, error) {
	latest := collapse(batch)

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report Report
		errs   []error
	)
	record := func(o Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.add(o)
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, ev := range latest {
		wg.Add(1)
		submitErr := p.pool.Submit(func() {
			defer wg.Done()
			record(p.processOne(ctx, ev))
		})
		if submitErr != nil {
			wg.Done()
			record(OutcomeError, fmt.Errorf("schedule %s: %w", ev.Key(), submitErr))
		}
	}
	wg.Wait()

	logger.Log.WithFields(map[string]interface{}{
		"events":    len(batch),
		"keys":      len(latest),
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"errors":    report.Errors,
	}).Info("Batch processed")

	if len(errs) > 0 {
		return report, &feed.DeliveryError{
			FirstSeq: batch[0].Seq,
			LastSeq:  batch[len(batch)-1].Seq,
			Err:      errors.Join(errs...),
		}
	}
	return report, nil
}

// collapse keeps only the newest event per record, in first-seen order.
func collapse(batch []feed.Event) []feed.Event {
	index := make(map[string]int, len(batch))
	var out []feed.Event
	for _, ev := range batch {
		if i, ok := index[ev.Key()]; ok {
			if ev.Seq > out[i].Seq {
				out[i] = ev
			}
			continue
		}
		index[ev.Key()] = len(out)
		out = append(out, ev)
	}
	return out
}

func (p *Processor) processOne(ctx context.Context, ev feed.Event) (Outcome, error) {
	entry := logger.Log.WithFields(map[string]interface{}{
		"created_by": ev.CreatedBy,
		"id":         ev.ID,
		"seq":        ev.Seq,
	})
	if ev.Kind == feed.KindRemove || ingestion.Status(ev.Status) != ingestion.StatusQueued {
		metrics.IncSkipped()
		return OutcomeSkipped, nil
	}

	rec, err := p.store.Get(ctx, ev.CreatedBy, ev.ID)
	if errors.Is(err, ingestion.ErrNotFound) {
		metrics.IncSkipped()
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeError, fmt.Errorf("read %s: %w", ev.Key(), err)
	}
	if rec.Status != ingestion.StatusQueued {
		metrics.IncSkipped()
		return OutcomeSkipped, nil
	}

	rec, effect, err := p.store.Transition(ctx, ev.CreatedBy, ev.ID, ingestion.Begin())
	switch {
	case errors.Is(err, ingestion.ErrNotFound):
		metrics.IncSkipped()
		return OutcomeSkipped, nil
	case err != nil:
		return OutcomeError, fmt.Errorf("begin %s: %w", ev.Key(), err)
	case effect == ingestion.EffectNoOp || rec.Status != ingestion.StatusProcessing:
		// Another runner got there first.
		metrics.IncSkipped()
		return OutcomeSkipped, nil
	}

	loadErr := p.loader.Load(ctx, []byte(rec.Item))
	if loadErr != nil && ctx.Err() != nil {
		// The invocation ran out of time; the record stays in processing for
		// reconciliation instead of being blamed on the item.
		return OutcomeError, fmt.Errorf("load %s: %w", ev.Key(), ctx.Err())
	}

	t := ingestion.Succeed()
	outcome := OutcomeSucceeded
	if loadErr != nil {
		t = ingestion.Fail(loadErr.Error())
		outcome = OutcomeFailed
		kind := catalog.KindUnknown
		if le, ok := catalog.AsLoadError(loadErr); ok {
			kind = le.Kind
		}
		entry.WithError(loadErr).WithField("kind", kind).Warn("Catalog rejected item")
	}
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	rec, _, err = p.store.Transition(settleCtx, ev.CreatedBy, ev.ID, t)
	if err != nil {
		return OutcomeError, fmt.Errorf("settle %s: %w", ev.Key(), err)
	}

	if outcome == OutcomeSucceeded {
		metrics.IncSucceeded()
	} else {
		metrics.IncFailed()
	}
	p.notify(settleCtx, rec)
	return outcome, nil
}

func (p *Processor) notify(ctx context.Context, rec ingestion.Record) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, rec); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"created_by": rec.CreatedBy,
			"id":         rec.ID,
			"status":     rec.Status,
		}).Warn("Outcome notification failed")
	}
}
