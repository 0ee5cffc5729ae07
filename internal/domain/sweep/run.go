package sweep

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Trigger records what started a sweep.
type Trigger string

const (
	TriggerStartup  Trigger = "STARTUP"
	TriggerSchedule Trigger = "SCHEDULE"
	TriggerManual   Trigger = "MANUAL"
)

// Status of a finished sweep. PARTIAL means at least one intention level
// or the dispatch failed.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusPartial   Status = "PARTIAL"
	StatusFailed    Status = "FAILED"
)

// DispatchStatus tracks the best-effort notification step.
type DispatchStatus string

const (
	DispatchNotNeeded    DispatchStatus = "NOT_NEEDED"
	DispatchNoRecipients DispatchStatus = "NO_RECIPIENTS"
	DispatchSent         DispatchStatus = "SENT"
	DispatchFailed       DispatchStatus = "FAILED"
)

// Run is one execution of the overdue sweep.
// Corresponds to the 'overdue_sweep_runs' table.
type Run struct {
	ID           uuid.UUID
	Trigger      Trigger
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Evaluated    int
	Overdue      int
	FailedLevels []string
	Dispatch     DispatchStatus
	Status       Status
	Error        sql.NullString
}

// Repository persists sweep runs.
type Repository interface {
	CreateRun(ctx context.Context, r *Run) error
	FinishRun(ctx context.Context, r *Run) error
	LatestRun(ctx context.Context) (*Run, error)
}
