package models

import (
	"encoding/json"
	"time"
)

// EventKind is the type of a bus event.
type EventKind string

const (
	// EventAssigned is published when the scheduler hands a task to an executor.
	EventAssigned EventKind = "assigned"
	// EventStarted is published when a task attempt begins executing.
	EventStarted EventKind = "started"
	// EventSucceeded is published when a task attempt completes successfully.
	EventSucceeded EventKind = "succeeded"
	// EventFailed is published when a task attempt fails.
	EventFailed EventKind = "failed"
	// EventHeartbeat is published periodically by long-running attempts.
	EventHeartbeat EventKind = "heartbeat"
)

// Event is an immutable message on the bus. Events are produced once and
// consumed by zero or more subscribers; delivery is at-least-once, so
// consumers must handle duplicates idempotently.
type Event struct {
	// JobID is the owning job.
	JobID string `json:"job_id"`
	// TaskID is the related task.
	TaskID string `json:"task_id"`
	// Kind is the event type.
	Kind EventKind `json:"kind"`
	// Attempt identifies which dispatch of the task this event belongs to.
	Attempt int `json:"attempt"`
	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
	// Payload carries the task output for succeeded events.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error carries the failure message for failed events.
	Error string `json:"error,omitempty"`
	// FailureKind carries the executor's failure classification for failed
	// events, so the scheduler's retry policy can read it off the wire.
	FailureKind string `json:"failure_kind,omitempty"`
}
