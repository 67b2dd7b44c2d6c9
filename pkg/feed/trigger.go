package feed

import "time"

// Trigger decides when pending events form a deliverable batch: as soon as
// BatchSize events are pending, or once the oldest pending event has waited
// Window.
type Trigger struct {
	BatchSize int
	Window    time.Duration
}

// Ready returns how many of the pending events to deliver now. pending must be
// in sequence order.
func (t Trigger) Ready(pending []Event, now time.Time) (int, bool) {
	if len(pending) == 0 {
		return 0, false
	}
	if t.BatchSize > 0 && len(pending) >= t.BatchSize {
		return t.BatchSize, true
	}
	if now.Sub(pending[0].AppendedAt) >= t.Window {
		return len(pending), true
	}
	return 0, false
}

// Due reports when the window of the oldest pending event closes.
func (t Trigger) Due(pending []Event) (time.Time, bool) {
	if len(pending) == 0 {
		return time.Time{}, false
	}
	return pending[0].AppendedAt.Add(t.Window), true
}
