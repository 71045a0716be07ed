package models

import (
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun
type RunStatus string

const (
	RunScheduled RunStatus = "scheduled"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ExecutionBackend names where a run executes
type ExecutionBackend string

const (
	BackendEngine ExecutionBackend = "engine"
	BackendDirect ExecutionBackend = "direct"
)

// WorkflowRun is the durable record of one asynchronous operation.
type WorkflowRun struct {
	WorkflowID  string           `json:"workflow_id" db:"workflow_id"`
	RunID       string           `json:"run_id" db:"run_id"`
	Kind        string           `json:"kind" db:"kind"`
	Status      RunStatus        `json:"status" db:"status"`
	Backend     ExecutionBackend `json:"backend" db:"backend"`
	EngineRunID string           `json:"engine_run_id,omitempty" db:"engine_run_id"`
	Parameters  map[string]any   `json:"parameters" db:"parameters"`
	Result      map[string]any   `json:"result,omitempty" db:"result"`
	Error       *string          `json:"error,omitempty" db:"error"`
	StartedAt   time.Time        `json:"started_at" db:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs  *int64           `json:"duration_ms,omitempty" db:"duration_ms"`
}

// RunFilter narrows ListRecent. Zero values mean unfiltered.
type RunFilter struct {
	Status RunStatus
	Kind   string
	Since  *time.Time
	Until  *time.Time
	Limit  int
}
