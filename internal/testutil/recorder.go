package testutil

import (
	"context"
	"sync"
)

// Notification is one broadcast captured by a Recorder.
type Notification struct {
	EventType string
	Payload   map[string]any
}

// Recorder is a Broadcaster double that keeps every notification and can be
// told to fail.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
	Err error
}

func (r *Recorder) Broadcast(_ context.Context, eventType string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, Notification{EventType: eventType, Payload: payload})
	return r.Err
}

// All returns the notifications received so far.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.got))
	copy(out, r.got)
	return out
}

// OfType returns the notifications of one event type.
func (r *Recorder) OfType(eventType string) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.EventType == eventType {
			out = append(out, n)
		}
	}
	return out
}
