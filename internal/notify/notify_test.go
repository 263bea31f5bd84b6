package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti_TriesEveryBroadcaster(t *testing.T) {
	failing := &testutil.Recorder{Err: errors.New("offline")}
	ok := &testutil.Recorder{}

	err := Multi{failing, nil, ok}.Broadcast(context.Background(), "approval.reminder", map[string]any{"x": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Len(t, failing.All(), 1)
	assert.Len(t, ok.All(), 1)
}

func TestHub_RoutesByPayloadIDs(t *testing.T) {
	hub := streaming.NewMemoryHub(0)
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, NewHub(hub).Broadcast(ctx, "agent.handoff", map[string]any{
		"instance_id": "inst-1",
		"step_id":     "review",
	}))

	select {
	case ev := <-ch:
		assert.Equal(t, "agent.handoff", ev.EventType)
		assert.Equal(t, "review", ev.StepID)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestNotifier_LogsAndSwallowsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	rec := &testutil.Recorder{Err: errors.New("socket closed")}

	NewNotifier(rec, logger).Send(context.Background(), "approval.timeout", nil)

	assert.Len(t, rec.All(), 1)
	assert.Contains(t, buf.String(), "notification dropped")
	assert.Contains(t, buf.String(), "socket closed")
}

func TestNotifier_IgnoresCallerCancellation(t *testing.T) {
	var seenErr error
	b := Func(func(ctx context.Context, _ string, _ map[string]any) error {
		seenErr = ctx.Err()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewNotifier(b, nil).Send(ctx, "step.failed", nil)
	assert.NoError(t, seenErr)
}

func TestNotifier_NilSafe(t *testing.T) {
	var n *Notifier
	n.Send(context.Background(), "x", nil)
	NewNotifier(nil, nil).Send(context.Background(), "x", nil)
}
