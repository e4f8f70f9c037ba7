package events

import (
	"context"
	"sync"
	"time"
)

// Recorder is a Sink that captures events for assertions.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Deliver(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a snapshot of everything delivered so far.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType filters the snapshot to one event type.
func (r *Recorder) ByType(eventType string) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor polls until at least n events of the type arrive or the deadline
// passes. Delivery is asynchronous, so tests need this.
func (r *Recorder) WaitFor(eventType string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(r.ByType(eventType)) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return len(r.ByType(eventType)) >= n
}
