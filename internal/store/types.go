package store

import (
	"encoding/json"
	"time"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// Run is the persisted record of one workflow run.
type Run struct {
	ID             string           `json:"id"`
	Project        string           `json:"project"`
	PlanName       string           `json:"plan_name,omitempty"`
	Status         schema.RunStatus `json:"status"`
	TotalSteps     int              `json:"total_steps"`
	CompletedCount int              `json:"completed_count"`
	SkippedCount   int              `json:"skipped_count"`
	FailedStep     string           `json:"failed_step,omitempty"`
	Error          json.RawMessage  `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// RunUpdate carries partial updates for a run row. Nil fields are untouched.
type RunUpdate struct {
	Status         *schema.RunStatus
	CompletedCount *int
	SkippedCount   *int
	FailedStep     *string
	Error          json.RawMessage
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Project string
	Status  schema.RunStatus
	Limit   int
}

// Event is an immutable entry in the append-only audit log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType results.
type EventFilter struct {
	RunID string
	Limit int
}

// Schedule is a cron-triggered run request.
type Schedule struct {
	ID             string          `json:"id"`
	Project        string          `json:"project"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ScheduleUpdate carries partial updates for a schedule row.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// ScheduleFilter narrows ListSchedules results.
type ScheduleFilter struct {
	Project string
	Enabled *bool
}
