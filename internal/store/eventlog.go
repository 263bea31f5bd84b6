package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/agentflow/pkg/schema"
)

// EventLog provides event-sourcing helpers on top of any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append records an event of the given type with a JSON-encoded payload.
func (el *EventLog) Append(ctx context.Context, instanceID, stepID, eventType, actor string, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	ev := &Event{
		InstanceID: instanceID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    raw,
		Actor:      actor,
	}
	if err := el.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// AppendTransition records a state_transition event.
func (el *EventLog) AppendTransition(ctx context.Context, instanceID string, from, to schema.InstanceStatus, actor, reason string) error {
	_, err := el.Append(ctx, instanceID, "", schema.EventStateTransition, actor, TransitionPayload{
		From:   from,
		To:     to,
		Reason: reason,
	})
	return err
}

// Replay is the result of folding an instance's event log.
type Replay struct {
	Status      schema.InstanceStatus
	Transitions []TransitionPayload
	StepsDone   []string
	LastSeq     int64
}

// ReplayEvents folds all events for an instance into its transition history.
// Returns an error if sequence gaps are detected or a transition does not chain
// from the previous one.
func (el *EventLog) ReplayEvents(ctx context.Context, instanceID string) (*Replay, error) {
	events, err := el.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := &Replay{}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s: expected %d, got %d", instanceID, expected, e.Sequence)
		}
		r.LastSeq = e.Sequence

		switch e.Type {
		case schema.EventInstanceCreated:
			r.Status = schema.InstanceStatusCreated

		case schema.EventStateTransition:
			var tp TransitionPayload
			if err := json.Unmarshal(e.Payload, &tp); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"bad transition payload at sequence %d", e.Sequence).WithCause(err)
			}
			if r.Status != "" && tp.From != r.Status {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"transition at sequence %d starts from %s, replayed state is %s", e.Sequence, tp.From, r.Status)
			}
			r.Transitions = append(r.Transitions, tp)
			r.Status = tp.To

		case schema.EventStepCompleted:
			r.StepsDone = append(r.StepsDone, e.StepID)
		}
	}
	return r, nil
}
