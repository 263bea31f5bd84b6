// Package testutil holds in-memory doubles shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// MemoryStore is an in-memory store.Store with the same version and
// close-once semantics as the libSQL store.
type MemoryStore struct {
	mu         sync.Mutex
	instances  map[string]*store.Instance
	history    []*store.StepHistory
	events     map[string][]*store.Event
	handoffs   map[string][]*store.Handoff
	shared     map[string]*store.SharedContext
	approvals  map[string]*store.ApprovalRequest
	approvalIx []string
	nextEvent  int64

	// SaveInstanceHook, when set, runs before SaveInstance applies and may
	// return an error to simulate store failures.
	SaveInstanceHook func(inst *store.Instance) error
	// AppendHandoffErr, when set, is returned by AppendHandoff.
	AppendHandoffErr error
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*store.Instance),
		events:    make(map[string][]*store.Event),
		handoffs:  make(map[string][]*store.Handoff),
		shared:    make(map[string]*store.SharedContext),
		approvals: make(map[string]*store.ApprovalRequest),
	}
}

func notFound(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func (m *MemoryStore) CreateInstance(_ context.Context, inst *store.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID)
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, notFound("instance", id)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) SaveInstance(_ context.Context, inst *store.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveInstanceHook != nil {
		if err := m.SaveInstanceHook(inst); err != nil {
			return err
		}
	}
	cur, ok := m.instances[inst.ID]
	if !ok {
		return notFound("instance", inst.ID)
	}
	if cur.Version != inst.Version {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q was modified concurrently (version %d)", inst.ID, inst.Version)
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryStore) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Instance
	for _, inst := range m.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.OwnerID != "" && inst.OwnerID != filter.OwnerID {
			continue
		}
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateStepHistory(_ context.Context, h *store.StepHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now().UTC()
	}
	cp := *h
	m.history = append(m.history, &cp)
	return nil
}

func (m *MemoryStore) CloseStepHistory(_ context.Context, id string, c store.StepClose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.history {
		if h.ID != id {
			continue
		}
		if h.Status != schema.StepStatusRunning {
			return schema.NewErrorf(schema.ErrCodeInvalidState, "step history %q already closed as %s", id, h.Status)
		}
		if c.CompletedAt.IsZero() {
			c.CompletedAt = time.Now().UTC()
		}
		h.Status = c.Status
		h.Output = c.Output
		h.ErrorMessage = c.ErrorMessage
		done := c.CompletedAt
		h.CompletedAt = &done
		return nil
	}
	return notFound("step history", id)
}

func (m *MemoryStore) ListStepHistory(_ context.Context, instanceID string) ([]*store.StepHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StepHistory
	for _, h := range m.history {
		if h.InstanceID == instanceID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = int64(len(m.events[event.InstanceID]) + 1)
	cp := *event
	m.events[event.InstanceID] = append(m.events[event.InstanceID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events[instanceID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// EventTypes returns the event types recorded for an instance in sequence order.
func (m *MemoryStore) EventTypes(instanceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events[instanceID] {
		out = append(out, e.Type)
	}
	return out
}

func (m *MemoryStore) AppendHandoff(_ context.Context, h *store.Handoff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendHandoffErr != nil {
		return m.AppendHandoffErr
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	cp := *h
	m.handoffs[h.InstanceID] = append(m.handoffs[h.InstanceID], &cp)
	return nil
}

func (m *MemoryStore) ListHandoffs(_ context.Context, instanceID string) ([]*store.Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Handoff, 0, len(m.handoffs[instanceID]))
	for _, h := range m.handoffs[instanceID] {
		cp := *h
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) GetSharedContext(_ context.Context, instanceID string) (*store.SharedContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.shared[instanceID]
	if !ok {
		return nil, notFound("shared context", instanceID)
	}
	return sc.Clone(), nil
}

func (m *MemoryStore) SaveSharedContext(_ context.Context, sc *store.SharedContext, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.shared[sc.InstanceID]
	switch {
	case expectedVersion == 0 && ok:
		return false, nil
	case expectedVersion != 0 && (!ok || cur.Version != expectedVersion):
		return false, nil
	}
	if sc.LastModifiedAt.IsZero() {
		sc.LastModifiedAt = time.Now().UTC()
	}
	sc.Version = expectedVersion + 1
	m.shared[sc.InstanceID] = sc.Clone()
	return true, nil
}

// RawSharedContext returns the stored JSON document for an instance.
func (m *MemoryStore) RawSharedContext(instanceID string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.shared[instanceID]
	if !ok {
		return nil
	}
	b, _ := json.Marshal(sc)
	return b
}

func (m *MemoryStore) CreateApproval(_ context.Context, a *store.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now().UTC()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	m.approvals[a.ID] = a.Clone()
	m.approvalIx = append(m.approvalIx, a.ID)
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*store.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, notFound("approval", id)
	}
	return a.Clone(), nil
}

func (m *MemoryStore) SaveApproval(_ context.Context, a *store.ApprovalRequest, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.approvals[a.ID]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	a.Version = expectedVersion + 1
	m.approvals[a.ID] = a.Clone()
	return true, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ApprovalRequest
	for _, id := range m.approvalIx {
		a := m.approvals[id]
		if filter.InstanceID != "" && a.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.RequestedBefore != nil && !a.RequestedAt.Before(*filter.RequestedBefore) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// BackdateApproval shifts an approval's RequestedAt into the past.
func (m *MemoryStore) BackdateApproval(id string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.approvals[id]; ok {
		a.RequestedAt = time.Now().UTC().Add(-age)
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }
