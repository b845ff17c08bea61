package domain

import (
	"encoding/json"
	"time"
)

// ResultType is the result vocabulary reported back to the orchestrator.
type ResultType string

const (
	ResultSuccess    ResultType = "success"
	ResultSkip       ResultType = "skip"
	ResultFail       ResultType = "fail"
	ResultRetry      ResultType = "retry"
	ResultReschedule ResultType = "reschedule"
)

// ResultTypes lists every result kind in reporting order.
var ResultTypes = []ResultType{ResultSuccess, ResultSkip, ResultFail, ResultRetry, ResultReschedule}

const (
	CategoryBackground  = "background"
	CategoryInteractive = "interactive"
	CategoryScheduled   = "scheduled"
)

// TaskOptions carries the identifying and routing fields of a task.
type TaskOptions struct {
	TaskID         string `json:"task_id"`
	Category       string `json:"task_category,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	InstallationID string `json:"installation_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

type TaskInput struct {
	EventType string          `json:"event_type"`
	ObjectID  string          `json:"object_id"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Task is the inbound unit of work. It is never mutated once received.
type Task struct {
	Options TaskOptions `json:"options"`
	Input   TaskInput   `json:"input"`
}

// CategoryOrDefault returns the task category, background when unset.
func (t Task) CategoryOrDefault() string {
	if t.Options.Category == "" {
		return CategoryBackground
	}
	return t.Options.Category
}

// TaskOutput is the canonical outcome of one task attempt.
type TaskOutput struct {
	Result    ResultType `json:"result"`
	Message   string     `json:"message,omitempty"`
	Countdown *int       `json:"countdown,omitempty"`
	Runtime   *float64   `json:"runtime,omitempty"` // seconds
}

// Result is the outgoing message for one task.
type Result struct {
	Options TaskOptions `json:"options"`
	Input   TaskInput   `json:"input"`
	Output  TaskOutput  `json:"output"`
	Attempt int         `json:"attempt,omitempty"` // local processing attempt, from 1
}

// TaskRecord is a task as tracked by the local inbox.
type TaskRecord struct {
	Task      Task
	State     string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}
