package events

import (
	"context"
	"sync"
)

// Recorder keeps every event in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []StepEvent
}

func (r *Recorder) Publish(_ context.Context, ev StepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []StepEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StepEvent(nil), r.events...)
}

// ForStep returns the recorded events of one step, in publish order.
func (r *Recorder) ForStep(index int) []StepEvent {
	var out []StepEvent
	for _, ev := range r.Events() {
		if ev.Step == index {
			out = append(out, ev)
		}
	}
	return out
}
