// Package events provides real-time streaming of orchestration lifecycle events
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventTaskClaimed is emitted when the scheduler claims a task
	EventTaskClaimed EventType = "task.claimed"
	// EventTaskApproved is emitted when a plan passes the approval gate
	EventTaskApproved EventType = "task.approved"
	// EventTaskCompleted is emitted when a task completes successfully
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed is emitted when a task fails
	EventTaskFailed EventType = "task.failed"
	// EventTaskUnblocked is emitted when a blocked task's dependencies resolve
	EventTaskUnblocked EventType = "task.unblocked"
	// EventTaskRecovered is emitted when a crashed task is reset for retry
	EventTaskRecovered EventType = "task.recovered"
	// EventMergeCompleted is emitted when a task branch lands on trunk
	EventMergeCompleted EventType = "merge.completed"
	// EventMergeConflict is emitted when reconciliation needs a human
	EventMergeConflict EventType = "merge.conflict"
	// EventWake is emitted when a push notification wakes the scheduler
	EventWake EventType = "scheduler.wake"
)

// Event represents a single orchestration lifecycle event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, taskID, agent string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		TaskID:    taskID,
		Agent:     agent,
		Data:      data,
	}
}

// EventFilter defines filters for consuming a subset of the stream
type EventFilter struct {
	Types  []EventType `json:"types,omitempty"`
	TaskID string      `json:"task_id,omitempty"`
	Agent  string      `json:"agent,omitempty"`
	Since  int64       `json:"since,omitempty"` // Unix timestamp
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}
