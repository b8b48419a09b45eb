// Package jobs implements the Job/Run Service (C7): job CRUD, run submission,
// JSONL event persistence, replay, SSE streaming, interrupt, and the
// caffinated-shutdown protocol (spec.md §4.7).
package jobs

// Status is a Job's lifecycle state (spec.md §3).
type Status string

const (
	StatusDraft       Status = "draft"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Job is a user-owned, persistent template for runs.
type Job struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Status    Status   `json:"status"`
	RunID     string   `json:"runId,omitempty"`
	RunIDs    []string `json:"runIds"`
	CreatedAt int64    `json:"createdAt"`
}

// JobUpdate carries the partial-update fields accepted by PUT /jobs/:id.
// Pointer fields distinguish "not supplied" from "set to zero value".
type JobUpdate struct {
	Prompt *string  `json:"prompt,omitempty"`
	Status *Status  `json:"status,omitempty"`
	RunID  *string  `json:"runId,omitempty"`
	RunIDs []string `json:"runIds,omitempty"`
}

// statusForTerminal maps a terminal bus tag to the Job status it produces.
func statusForTerminal(terminal string) Status {
	switch terminal {
	case "ralph.completed":
		return StatusCompleted
	case "ralph.error":
		return StatusError
	case "ralph.interrupted":
		return StatusInterrupted
	default:
		return StatusError
	}
}
