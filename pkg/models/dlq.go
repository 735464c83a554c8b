package models

import (
	"encoding/json"
	"time"
)

// ReplayStatus tracks the disposition of a dead letter entry
type ReplayStatus string

const (
	ReplayPending   ReplayStatus = "pending"
	ReplayReplayed  ReplayStatus = "replayed"
	ReplayDiscarded ReplayStatus = "discarded"
)

// DeadLetterEntry parks a failed step with enough metadata for manual
// inspection and replay.
type DeadLetterEntry struct {
	ID        string        `json:"id" db:"id"`
	JobID     string        `json:"job_id" db:"job_id"`
	StepName  string        `json:"step_name" db:"step_name"`
	Attempts  []StepAttempt `json:"attempts" db:"attempts"`
	LastError string        `json:"last_error" db:"last_error"`

	// RawOutput carries the offending structured output when the failure
	// was a schema violation, for operator inspection.
	RawOutput json.RawMessage `json:"raw_output,omitempty" db:"raw_output"`

	Status        ReplayStatus `json:"status" db:"status"`
	DiscardReason string       `json:"discard_reason,omitempty" db:"discard_reason"`
	EnqueuedAt    time.Time    `json:"enqueued_at" db:"enqueued_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
}

// DeadLetterFilter narrows a DLQ listing.
type DeadLetterFilter struct {
	JobID    string
	StepName string
	Status   ReplayStatus
	Limit    int
}
