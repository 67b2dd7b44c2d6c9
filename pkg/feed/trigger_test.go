package feed

import (
	"testing"
	"time"
)

func TestTriggerReady(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	pending := func(n int) []Event {
		out := make([]Event, n)
		for i := range out {
			out[i] = Event{Seq: uint64(i + 1), AppendedAt: base.Add(time.Duration(i) * time.Second)}
		}
		return out
	}
	trig := Trigger{BatchSize: 1000, Window: 10 * time.Second}

	tests := []struct {
		name    string
		pending []Event
		now     time.Time
		n       int
		ok      bool
	}{
		{"empty", nil, base.Add(time.Hour), 0, false},
		{"window open", pending(4), base.Add(9 * time.Second), 0, false},
		{"window closed", pending(4), base.Add(10 * time.Second), 4, true},
		{"size reached", pending(3), base, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := trig
			if tt.name == "size reached" {
				tr.BatchSize = 3
			}
			n, ok := tr.Ready(tt.pending, tt.now)
			if n != tt.n || ok != tt.ok {
				t.Fatalf("Ready() = %d, %v; want %d, %v", n, ok, tt.n, tt.ok)
			}
		})
	}

	due, ok := trig.Due(pending(2))
	if !ok || !due.Equal(base.Add(10*time.Second)) {
		t.Fatalf("Due() = %v, %v", due, ok)
	}
}
