// Package streaming is the in-process pub/sub hub carrying step progress and
// notification events to local subscribers.
package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event about one workflow instance.
type StreamEvent struct {
	InstanceID string         `json:"instance_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	EventType  string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time instance events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
