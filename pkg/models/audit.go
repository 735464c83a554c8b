package models

import (
	"encoding/json"
	"time"
)

// Audit event types written by the engine and the DLQ
const (
	EventJobSubmitted     = "job_submitted"
	EventStepCompleted    = "step_completed"
	EventStepFailed       = "step_failed"
	EventAwaitingInput    = "awaiting_input"
	EventAnswersSubmitted = "answers_submitted"
	EventJobCancelled     = "job_cancelled"
	EventInputTimeout     = "input_timeout"
	EventManualReplay     = "manual_replay"
	EventDLQDiscarded     = "dlq_discarded"
)

// AuditEvent is one immutable link in a job's hash chain.
// ThisHash = sha256(PrevHash || Payload || RecordedAt), hex encoded.
type AuditEvent struct {
	JobID      string          `json:"job_id" db:"job_id"`
	SequenceNo int             `json:"sequence_no" db:"sequence_no"`
	EventType  string          `json:"event_type" db:"event_type"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	PrevHash   string          `json:"prev_hash" db:"prev_hash"`
	ThisHash   string          `json:"this_hash" db:"this_hash"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}
