package domain

import (
	"encoding/json"
	"time"
)

type WorkflowStatus string

const (
	WorkflowInitialized WorkflowStatus = "initialized"
	WorkflowRunning     WorkflowStatus = "running"
	WorkflowIdle        WorkflowStatus = "idle"
	WorkflowDisabled    WorkflowStatus = "disabled"
)

type RecordStatus string

const (
	RecordPending    RecordStatus = "pending"
	RecordProcessing RecordStatus = "processing"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
	RecordDead       RecordStatus = "dead"
)

// Workflow is a recurring trigger definition. A workflow with a non-nil
// CronExpr fires on the cron schedule; otherwise it fires once
// IntervalSeconds have elapsed since the last completed pass.
type Workflow struct {
	ID                int64
	UserEmail         string
	IntervalSeconds   int
	CronExpr          *string
	StartingTime      time.Time
	LastExecutionTime *time.Time
	CurrentStatus     WorkflowStatus
	IsActive          bool
	CreatedAt         time.Time
}

// Record is one unit of ingested work. Status is the lock: every mutation
// is a single-row conditional update keyed on the previously observed
// status. WorkflowID and ClaimedBy are advisory, set on a successful claim.
type Record struct {
	ID                 int64
	Payload            json.RawMessage
	Status             RecordStatus
	WorkflowID         *int64
	ClaimedBy          *string
	ProcessedAt        *time.Time
	StatusChangedAt    time.Time
	ErrorMessage       *string
	ProcessingAttempts int
	CreatedAt          time.Time
}

var recordEdges = map[RecordStatus][]RecordStatus{
	RecordPending:    {RecordProcessing},
	RecordProcessing: {RecordCompleted, RecordFailed, RecordDead, RecordPending},
	RecordFailed:     {RecordProcessing, RecordPending},
}

// CanTransition reports whether a record may move from one status to the
// other. completed and dead are terminal.
func CanTransition(from, to RecordStatus) bool {
	for _, s := range recordEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a record status has no outbound transitions.
func Terminal(s RecordStatus) bool {
	return s == RecordCompleted || s == RecordDead
}
