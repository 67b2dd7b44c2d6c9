package feed

import (
	"context"
	"time"
)

// DeadLetterBatch is a batch the runner gave up on.
type DeadLetterBatch struct {
	Group    string    `json:"group"`
	Events   []Event   `json:"events"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

func (b DeadLetterBatch) FirstSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[0].Seq
}

func (b DeadLetterBatch) LastSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Seq
}

// DeadLetter durably stores abandoned batches. Send must not return nil
// unless the batch is stored.
type DeadLetter interface {
	Send(ctx context.Context, batch DeadLetterBatch) error
}
