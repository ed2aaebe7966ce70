package schema

import "time"

// Event type constants for the lifecycle event surface and the audit log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepSkipped   = "step_skipped"
	EventStepReset     = "step_reset"
	EventModeChanged   = "mode_changed"

	EventRetryAttempt   = "retry_attempt"
	EventRetryScheduled = "retry_scheduled"
	EventRetrySuccess   = "retry_success"
	EventRetryExhausted = "retry_exhausted"

	EventGatePassed = "gate_passed"
	EventGateFailed = "gate_failed"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSkipped    StepStatus = "skipped"
)

// IsTerminal reports whether the status is completed or skipped.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// AutomationMode is the per-step execution policy.
type AutomationMode string

const (
	ModeAuto   AutomationMode = "auto"   // run normally
	ModeManual AutomationMode = "manual" // defer to external confirmation
	ModeSkip   AutomationMode = "skip"   // never execute
)

// RunStatus represents the lifecycle state of a whole workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Event is a lifecycle notification delivered to listeners and appended to
// the audit log. Previous/New carry the before/after value for transitions
// that change a tracked attribute (status, automation mode).
type Event struct {
	Type      string    `json:"type"`
	StepID    string    `json:"step_id,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	New       string    `json:"new,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RetryEvent reports a single attempt inside a retried operation.
type RetryEvent struct {
	Type    string        `json:"type"` // retry_attempt | retry_scheduled | retry_success | retry_exhausted
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Err     error         `json:"-"`
}

// Progress is a point-in-time count of steps by status, derived on demand.
type Progress struct {
	Total      int    `json:"total"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Completed  int    `json:"completed"`
	Skipped    int    `json:"skipped"`
	Current    string `json:"current,omitempty"`
}
