package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// ValidTransitions defines the allowed instance status transitions.
// Terminal statuses have no outgoing edges.
var ValidTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusCreated: {schema.InstanceStatusRunning},
	schema.InstanceStatusRunning: {
		schema.InstanceStatusWaitingForInput,
		schema.InstanceStatusPaused,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusPaused:          {schema.InstanceStatusRunning},
	schema.InstanceStatusWaitingForInput: {schema.InstanceStatusRunning, schema.InstanceStatusFailed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to schema.InstanceStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// TransitionHook observes an applied transition.
type TransitionHook func(ctx context.Context, instanceID string, from, to schema.InstanceStatus)

// InstanceFSM validates instance transitions and records the accepted ones
// in the event log. Persisting the new status is the caller's job.
type InstanceFSM struct {
	mu     sync.RWMutex
	events *store.EventLog
	hooks  []TransitionHook
	logger *slog.Logger
}

// NewInstanceFSM creates an InstanceFSM writing to events.
func NewInstanceFSM(events *store.EventLog, logger *slog.Logger) *InstanceFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceFSM{events: events, logger: logger}
}

// OnTransition registers a hook run after every recorded transition.
func (f *InstanceFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Validate returns an INVALID_TRANSITION FlowError for pairs outside the table.
func (f *InstanceFSM) Validate(instanceID string, from, to schema.InstanceStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid instance transition: %s -> %s", from, to).
		WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
}

// Record appends the state_transition event and runs the hooks. The status
// change is already persisted, so a failed append is logged, not returned.
func (f *InstanceFSM) Record(ctx context.Context, instanceID string, from, to schema.InstanceStatus, actor, reason string) {
	if err := f.events.AppendTransition(ctx, instanceID, from, to, actor, reason); err != nil {
		logging.LogWith(ctx, f.logger).Error("transition event not appended",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
	}

	f.mu.RLock()
	hooks := slices.Clone(f.hooks)
	f.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, instanceID, from, to)
	}
}

// applyStatus sets the status and its lifecycle timestamps on inst.
func applyStatus(inst *store.Instance, to schema.InstanceStatus, now time.Time) {
	from := inst.Status
	inst.Status = to
	switch to {
	case schema.InstanceStatusPaused:
		inst.PausedAt = &now
	case schema.InstanceStatusRunning:
		if from == schema.InstanceStatusPaused {
			inst.PausedAt = nil
		}
		if from == schema.InstanceStatusWaitingForInput {
			inst.ErrorMessage = ""
		}
	case schema.InstanceStatusCancelled:
		inst.CancelledAt = &now
	case schema.InstanceStatusCompleted:
		inst.CompletedAt = &now
	}
}
