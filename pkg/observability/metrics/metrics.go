package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	ingestionsEnqueued   atomic.Int64
	ingestionsCancelled  atomic.Int64
	ingestionsSucceeded  atomic.Int64
	ingestionsFailed     atomic.Int64
	ingestionsSkipped    atomic.Int64
	batchesDelivered     atomic.Int64
	batchesDeadLettered  atomic.Int64
	feedPending          atomic.Int64
	ingestionsReconciled atomic.Int64
	deadLettersReplayed  atomic.Int64
)

func IncEnqueued() { ingestionsEnqueued.Add(1) }
func IncCancelled() { ingestionsCancelled.Add(1) }
func IncSucceeded() { ingestionsSucceeded.Add(1) }
func IncFailed() { ingestionsFailed.Add(1) }
func IncSkipped() { ingestionsSkipped.Add(1) }
func IncBatchesDelivered() { batchesDelivered.Add(1) }
func IncBatchesDeadLettered() { batchesDeadLettered.Add(1) }

func AddReconciled(n int) { ingestionsReconciled.Add(int64(n)) }
func AddDeadLettersReplayed(n int) { deadLettersReplayed.Add(int64(n)) }

// ObserveFeedLag records how many events were pending at the last poll.
func ObserveFeedLag(pending int) {
	feedPending.Store(int64(pending))
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Enqueued            int64
	Cancelled           int64
	Succeeded           int64
	Failed              int64
	Skipped             int64
	BatchesDelivered    int64
	BatchesDeadLettered int64
	FeedPending         int64
	Reconciled          int64
	DeadLettersReplayed int64
}

func Read() Snapshot {
	return Snapshot{
		Enqueued:            ingestionsEnqueued.Load(),
		Cancelled:           ingestionsCancelled.Load(),
		Succeeded:           ingestionsSucceeded.Load(),
		Failed:              ingestionsFailed.Load(),
		Skipped:             ingestionsSkipped.Load(),
		BatchesDelivered:    batchesDelivered.Load(),
		BatchesDeadLettered: batchesDeadLettered.Load(),
		FeedPending:         feedPending.Load(),
		Reconciled:          ingestionsReconciled.Load(),
		DeadLettersReplayed: deadLettersReplayed.Load(),
	}
}

type metric struct {
	name  string
	help  string
	kind  string
	value int64
}

func WritePrometheus(w http.ResponseWriter) {
	s := Read()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, m := range []metric{
		{"stac_ingestor_ingestions_enqueued_total", "Ingestions accepted into the queue.", "counter", s.Enqueued},
		{"stac_ingestor_ingestions_cancelled_total", "Ingestions cancelled while queued.", "counter", s.Cancelled},
		{"stac_ingestor_ingestions_succeeded_total", "Ingestions loaded into the catalog.", "counter", s.Succeeded},
		{"stac_ingestor_ingestions_failed_total", "Ingestions the catalog rejected.", "counter", s.Failed},
		{"stac_ingestor_ingestions_skipped_total", "Change events ignored by the processor.", "counter", s.Skipped},
		{"stac_ingestor_ingestions_reconciled_total", "Ingestions failed or re-driven by reconciliation.", "counter", s.Reconciled},
		{"stac_ingestor_feed_batches_delivered_total", "Change feed batches handled successfully.", "counter", s.BatchesDelivered},
		{"stac_ingestor_feed_batches_dead_lettered_total", "Change feed batches sent to the dead letter store.", "counter", s.BatchesDeadLettered},
		{"stac_ingestor_feed_dead_letters_replayed_total", "Dead-lettered batches replayed.", "counter", s.DeadLettersReplayed},
		{"stac_ingestor_feed_pending_events", "Events pending for the consumer group at the last poll.", "gauge", s.FeedPending},
	} {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		fmt.Fprintf(w, "%s %d\n", m.name, m.value)
	}
}

func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WritePrometheus(w)
	})
}
