package schema

// Event type constants for the instance event log.
const (
	EventInstanceCreated = "instance_created"
	EventStateTransition = "state_transition"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalTimedOut  = "approval_timed_out"

	EventHandoffRecorded = "handoff_recorded"
)

// Notification event types broadcast on the notification channel.
const (
	NotifyStepProgress      = "step.progress"
	NotifyStepCompleted     = "step.completed"
	NotifyStepFailed        = "step.failed"
	NotifyHandoff           = "agent.handoff"
	NotifyApprovalRequested = "approval.requested"
	NotifyApprovalReminder  = "approval.reminder"
	NotifyApprovalTimeout   = "approval.timeout"
	NotifyInstanceStatus    = "instance.status"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusCreated         InstanceStatus = "created"
	InstanceStatusRunning         InstanceStatus = "running"
	InstanceStatusWaitingForInput InstanceStatus = "waiting_for_input"
	InstanceStatusPaused          InstanceStatus = "paused"
	InstanceStatusCompleted       InstanceStatus = "completed"
	InstanceStatusFailed          InstanceStatus = "failed"
	InstanceStatusCancelled       InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// StepStatus represents the state of a single step attempt in the step history.
type StepStatus string

const (
	StepStatusRunning          StepStatus = "running"
	StepStatusCompleted        StepStatus = "completed"
	StepStatusFailed           StepStatus = "failed"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
)

// ApprovalStatus represents the state of a human approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusModified ApprovalStatus = "modified"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusTimedOut ApprovalStatus = "timed_out"
)

// IsTerminal reports whether the approval has been resolved or expired.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending
}
