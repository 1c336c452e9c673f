// Package types defines core data structures for Outrider
package types

import "time"

// TaskStatus represents the current state of a task.
//
// This is the canonical internal vocabulary. Tracker backends encode it as a
// status label (see internal/tracker); the mapping is total in both directions.
type TaskStatus string

const (
	TaskStatusDraft      TaskStatus = "draft"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusPlanned    TaskStatus = "planned"
	TaskStatusApproved   TaskStatus = "approved"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is terminal for normal flow.
// A failed task may still be re-assigned by an operator, but never by this core.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// RecordState is the open/closed state of the underlying tracker record,
// independent of the status label.
type RecordState string

const (
	RecordOpen   RecordState = "open"
	RecordClosed RecordState = "closed"
)

// Task represents a unit of work for an AI agent
type Task struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	Status    TaskStatus  `json:"status"`
	State     RecordState `json:"state"`
	Assignee  string      `json:"assignee,omitempty"`
	Priority  int         `json:"priority,omitempty"`
	Workspace string      `json:"workspace,omitempty"`
	DependsOn []string    `json:"depends_on,omitempty"`
	Retries   int         `json:"retries"`
	UpdatedAt time.Time   `json:"updated_at"`

	// Plan and Report are resolved lazily from the task's comment history;
	// nil when the task has none or when the caller did not ask for them.
	Plan   *Plan   `json:"plan,omitempty"`
	Report *Report `json:"report,omitempty"`
}

// Plan is a structured execution plan proposed for a task before work starts
type Plan struct {
	Goals         []string `json:"goals"`
	AffectedFiles []string `json:"affected_files,omitempty"`
	Effort        string   `json:"effort,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Report is a structured completion summary attached when a task finishes
type Report struct {
	Summary       string   `json:"summary"`
	ModifiedFiles []string `json:"modified_files,omitempty"`
	NewFiles      []string `json:"new_files,omitempty"`
}

// Comment is a single entry in a task's comment/event history
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
