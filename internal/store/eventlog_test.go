package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendMonotonicSequence(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	for i := 0; i < 5; i++ {
		ev, err := el.Append(ctx, inst.ID, "s1", schema.EventStepStarted, "", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestEventLog_ReplayTransitions(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	_, err := el.Append(ctx, inst.ID, "", schema.EventInstanceCreated, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, el.AppendTransition(ctx, inst.ID, schema.InstanceStatusCreated, schema.InstanceStatusRunning, "user-1", "first step"))
	_, err = el.Append(ctx, inst.ID, "s1", schema.EventStepCompleted, "", map[string]any{"ok": true})
	require.NoError(t, err)
	require.NoError(t, el.AppendTransition(ctx, inst.ID, schema.InstanceStatusRunning, schema.InstanceStatusCompleted, "system", "last step"))

	r, err := el.ReplayEvents(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, r.Status)
	require.Len(t, r.Transitions, 2)
	assert.Equal(t, "first step", r.Transitions[0].Reason)
	assert.Equal(t, []string{"s1"}, r.StepsDone)
	assert.Equal(t, int64(4), r.LastSeq)
}

func TestEventLog_ReplayEmpty(t *testing.T) {
	el, s := newTestEventLog(t)
	inst := seedInstance(t, s)

	r, err := el.ReplayEvents(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, r.Transitions)
	assert.Equal(t, schema.InstanceStatus(""), r.Status)
}

func TestEventLog_ReplaySequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	db := s.DB()
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (instance_id, step_id, event_type, timestamp, sequence) VALUES (?, 's1', 'step_started', CURRENT_TIMESTAMP, 1)`,
		inst.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (instance_id, step_id, event_type, timestamp, sequence) VALUES (?, 's1', 'step_completed', CURRENT_TIMESTAMP, 3)`,
		inst.ID)
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, inst.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_ReplayBrokenChain(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	require.NoError(t, el.AppendTransition(ctx, inst.ID, schema.InstanceStatusCreated, schema.InstanceStatusRunning, "", ""))
	require.NoError(t, el.AppendTransition(ctx, inst.ID, schema.InstanceStatusPaused, schema.InstanceStatusRunning, "", ""))

	_, err := el.ReplayEvents(ctx, inst.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestEventLog_ConcurrentAppend_DifferentInstances(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	var instances []*Instance
	for i := 0; i < 5; i++ {
		instances = append(instances, seedInstance(t, s))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 50)
	for _, inst := range instances {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := el.Append(ctx, id, "s1", schema.EventStepStarted, "", nil); err != nil {
					errCh <- err
					return
				}
			}
		}(inst.ID)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	for _, inst := range instances {
		events, err := s.GetEvents(ctx, inst.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 10)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	}
}

func TestEventLog_PayloadEncoded(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	_, err := el.Append(ctx, inst.ID, "s1", schema.EventHandoffRecorded, "router", map[string]string{"from": "a", "to": "b"})
	require.NoError(t, err)

	events, err := s.GetEvents(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "router", events[0].Actor)
	var got map[string]string
	require.NoError(t, json.Unmarshal(events[0].Payload, &got))
	assert.Equal(t, "b", got["to"])
}
