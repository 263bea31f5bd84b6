package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Instances, shared contexts and approvals are version-gated: a save applies only
// when the stored version still equals the version the caller read. Step history,
// handoffs and events are append-only.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// SaveInstance writes inst if the stored version equals inst.Version and bumps
	// inst.Version on success. A mismatch returns a CONFLICT FlowError.
	SaveInstance(ctx context.Context, inst *Instance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Step history (append-only, closed once)
	CreateStepHistory(ctx context.Context, h *StepHistory) error
	// CloseStepHistory closes a running record. Closing an already closed record
	// returns an INVALID_STATE FlowError and leaves it untouched.
	CloseStepHistory(ctx context.Context, id string, close StepClose) error
	ListStepHistory(ctx context.Context, instanceID string) ([]*StepHistory, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)

	// Handoffs (append-only)
	AppendHandoff(ctx context.Context, h *Handoff) error
	ListHandoffs(ctx context.Context, instanceID string) ([]*Handoff, error)

	// Shared context
	GetSharedContext(ctx context.Context, instanceID string) (*SharedContext, error)
	// SaveSharedContext stores sc if the stored version equals expectedVersion
	// (0 = must not exist yet). Returns false on a version mismatch.
	SaveSharedContext(ctx context.Context, sc *SharedContext, expectedVersion int64) (bool, error)

	// Approvals
	CreateApproval(ctx context.Context, a *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	// SaveApproval stores a if the stored version equals expectedVersion.
	// Returns false on a version mismatch.
	SaveApproval(ctx context.Context, a *ApprovalRequest, expectedVersion int64) (bool, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
