package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/observability/metrics"
)

type Handler interface {
	Handle(ctx context.Context, batch []Event) error
}

type HandlerFunc func(ctx context.Context, batch []Event) error

func (f HandlerFunc) Handle(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

type Options struct {
	Group             string
	BatchSize         int
	Window            time.Duration
	RetryAttempts     int
	PollInterval      time.Duration
	InvocationTimeout time.Duration
}

// Result describes what a single Poll did.
type Result struct {
	Delivered    bool
	DeadLettered bool
	Events       int
	Attempts     int
	FirstSeq     uint64
	LastSeq      uint64
}

// Runner moves one consumer group along the log. Batches are delivered
// strictly one after another; the cursor only advances once the handler
// succeeded or the batch is safely dead-lettered.
type Runner struct {
	log        Log
	cursors    CursorStore
	handler    Handler
	deadLetter DeadLetter
	opts       Options
	trigger    Trigger
	now        func() time.Time
}

func NewRunner(log Log, cursors CursorStore, handler Handler, deadLetter DeadLetter, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Second
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Runner{
		log:        log,
		cursors:    cursors,
		handler:    handler,
		deadLetter: deadLetter,
		opts:       opts,
		trigger:    Trigger{BatchSize: opts.BatchSize, Window: opts.Window},
		now:        time.Now,
	}
}

// WithClock replaces the wall clock used by the batching window.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func (r *Runner) Poll(ctx context.Context) (Result, error) {
	after, err := r.cursors.Load(ctx, r.opts.Group)
	if err != nil {
		return Result{}, fmt.Errorf("load cursor: %w", err)
	}
	pending, err := r.log.ReadAfter(ctx, after, r.opts.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("read feed: %w", err)
	}
	metrics.ObserveFeedLag(len(pending))

	n, ok := r.trigger.Ready(pending, r.now())
	if !ok {
		return Result{}, nil
	}
	batch := pending[:n]
	res := Result{
		Events:   n,
		FirstSeq: batch[0].Seq,
		LastSeq:  batch[n-1].Seq,
	}
	entry := logger.Log.WithFields(map[string]interface{}{
		"group":     r.opts.Group,
		"first_seq": res.FirstSeq,
		"last_seq":  res.LastSeq,
		"events":    n,
	})

	var lastErr error
	for attempt := 0; attempt <= r.opts.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempts++
		lastErr = r.invoke(ctx, batch, res)
		if lastErr == nil {
			break
		}
		entry.WithError(lastErr).WithField("attempt", res.Attempts).Warn("Batch delivery failed")
	}

	if lastErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := r.abandon(ctx, batch, res, lastErr); err != nil {
			return res, err
		}
		res.DeadLettered = true
		metrics.IncBatchesDeadLettered()
		entry.WithError(lastErr).Error("Batch dead-lettered")
	} else {
		metrics.IncBatchesDelivered()
	}

	if err := r.cursors.Commit(ctx, r.opts.Group, res.LastSeq); err != nil {
		return res, fmt.Errorf("commit cursor: %w", err)
	}
	res.Delivered = true
	entry.WithField("attempts", res.Attempts).Debug("Batch committed")
	return res, nil
}

// Run polls until ctx is done. A delivered batch is followed immediately by
// the next poll so a backlog drains without waiting for the ticker.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	logger.Log.WithFields(map[string]interface{}{
		"group":      r.opts.Group,
		"batch_size": r.opts.BatchSize,
		"window":     r.opts.Window.String(),
		"retries":    r.opts.RetryAttempts,
	}).Info("Feed runner started")

	for {
		res, err := r.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).WithField("group", r.opts.Group).Error("Feed poll failed")
		}
		if err == nil && res.Delivered {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) invoke(ctx context.Context, batch []Event, res Result) (err error) {
	if r.opts.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.InvocationTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
		if err != nil && !IsDeliveryError(err) {
			err = &DeliveryError{FirstSeq: res.FirstSeq, LastSeq: res.LastSeq, Err: err}
		}
	}()
	return r.handler.Handle(ctx, batch)
}

func (r *Runner) abandon(ctx context.Context, batch []Event, res Result, cause error) error {
	if r.deadLetter == nil {
		return fmt.Errorf("no dead letter configured, holding seq %d..%d: %w", res.FirstSeq, res.LastSeq, cause)
	}
	events := make([]Event, len(batch))
	copy(events, batch)
	err := r.deadLetter.Send(ctx, DeadLetterBatch{
		Group:    r.opts.Group,
		Events:   events,
		Reason:   cause.Error(),
		Attempts: res.Attempts,
		FailedAt: r.now().UTC(),
	})
	if err != nil {
		return errors.Join(fmt.Errorf("dead letter seq %d..%d: %w", res.FirstSeq, res.LastSeq, err), cause)
	}
	return nil
}
