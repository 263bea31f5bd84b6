// Package notify adapts the fire-and-forget notification channel: the engine,
// the approval sweeper and the handoff tracker broadcast through it, and a
// broadcast failure never changes orchestration state.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/streaming"
)

// Broadcaster delivers one notification to whoever is listening.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventType string, payload map[string]any) error
}

// Func adapts a function to Broadcaster.
type Func func(ctx context.Context, eventType string, payload map[string]any) error

func (f Func) Broadcast(ctx context.Context, eventType string, payload map[string]any) error {
	return f(ctx, eventType, payload)
}

// Multi fans a notification out to several broadcasters. Every broadcaster is
// tried; the errors are joined.
type Multi []Broadcaster

func (m Multi) Broadcast(ctx context.Context, eventType string, payload map[string]any) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Broadcast(ctx, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hub publishes notifications on an in-process event hub. The instance_id and
// step_id payload keys, when present, become the event's routing fields.
type Hub struct {
	hub streaming.EventHub
}

// NewHub wraps an event hub.
func NewHub(h streaming.EventHub) *Hub { return &Hub{hub: h} }

func (h *Hub) Broadcast(ctx context.Context, eventType string, payload map[string]any) error {
	ev := streaming.StreamEvent{EventType: eventType, Payload: payload, Timestamp: time.Now().UTC()}
	if id, ok := payload["instance_id"].(string); ok {
		ev.InstanceID = id
	}
	if id, ok := payload["step_id"].(string); ok {
		ev.StepID = id
	}
	return h.hub.Publish(ctx, ev)
}

// Notifier is the fire-and-forget front of a Broadcaster. Send has no return
// value: failures are logged at warn level and dropped.
type Notifier struct {
	b       Broadcaster
	logger  *slog.Logger
	timeout time.Duration
}

// NewNotifier wraps b. A nil b yields a Notifier that discards everything.
func NewNotifier(b Broadcaster, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{b: b, logger: logger, timeout: 5 * time.Second}
}

// Send broadcasts synchronously with a bounded timeout. The caller's
// cancellation does not suppress the notification.
func (n *Notifier) Send(ctx context.Context, eventType string, payload map[string]any) {
	if n == nil || n.b == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.b.Broadcast(sendCtx, eventType, payload); err != nil {
		logging.LogWith(ctx, n.logger).Warn("notification dropped",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
