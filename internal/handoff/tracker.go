// Package handoff keeps the append-only audit trail of agent-to-agent control
// transfers within an instance.
package handoff

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/notify"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Recorded reports the outcome of RecordHandoff. Callers are free to ignore it.
type Recorded struct {
	Handoff *store.Handoff
	Err     error
}

// OK reports whether the handoff was persisted.
func (r Recorded) OK() bool { return r.Err == nil && r.Handoff != nil }

// Tracker records handoffs. Recording is fire-and-forget: a persistence error
// is logged and handed back in Recorded, never raised.
type Tracker struct {
	store    store.Store
	events   *store.EventLog
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a Tracker. notifier may be nil.
func NewTracker(s store.Store, notifier *notify.Notifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    s,
		events:   store.NewEventLog(s),
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordHandoff appends a handoff from one agent to another at stepID.
func (t *Tracker) RecordHandoff(ctx context.Context, instanceID, fromAgent, toAgent, stepID, reason string) Recorded {
	h := &store.Handoff{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		FromAgentID: fromAgent,
		ToAgentID:   toAgent,
		StepID:      stepID,
		Reason:      reason,
		Timestamp:   t.now(),
	}
	log := logging.LogWith(ctx, t.logger).With(
		slog.String("from_agent", fromAgent),
		slog.String("to_agent", toAgent))

	if err := t.store.AppendHandoff(ctx, h); err != nil {
		log.Warn("handoff not recorded", slog.String("error", err.Error()))
		return Recorded{Err: err}
	}

	if _, err := t.events.Append(ctx, instanceID, stepID, schema.EventHandoffRecorded, fromAgent, h); err != nil {
		log.Warn("handoff event not appended", slog.String("error", err.Error()))
	}
	t.notifier.Send(ctx, schema.NotifyHandoff, map[string]any{
		"instance_id": instanceID,
		"step_id":     stepID,
		"from_agent":  fromAgent,
		"to_agent":    toAgent,
		"reason":      reason,
	})
	log.Debug("handoff recorded")
	return Recorded{Handoff: h}
}

// GetHandoffHistory returns every handoff of an instance, oldest first.
func (t *Tracker) GetHandoffHistory(ctx context.Context, instanceID string) ([]*store.Handoff, error) {
	return t.store.ListHandoffs(ctx, instanceID)
}

// GetCurrentAgent returns the target agent of the latest handoff. The bool is
// false when the instance has no handoffs.
func (t *Tracker) GetCurrentAgent(ctx context.Context, instanceID string) (string, bool, error) {
	hs, err := t.store.ListHandoffs(ctx, instanceID)
	if err != nil {
		return "", false, err
	}
	if len(hs) == 0 {
		return "", false, nil
	}
	return hs[len(hs)-1].ToAgentID, true, nil
}
