package feed

import (
	"errors"
	"fmt"
)

var ErrCursorRegression = errors.New("cursor cannot move backwards")

// DeliveryError is a batch-level failure: the handler could not process the
// batch for a systemic reason and the runner should retry it.
type DeliveryError struct {
	FirstSeq uint64
	LastSeq  uint64
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.FirstSeq == 0 && e.LastSeq == 0 {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("delivery of seq %d..%d failed: %v", e.FirstSeq, e.LastSeq, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
