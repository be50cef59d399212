package taskflow

import (
	"encoding/json"
	"time"
)

// EventType enumerates task lifecycle events.
type EventType string

const (
	EventStart     EventType = "start"
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
	EventRetry     EventType = "retry"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
)

func (t EventType) String() string { return string(t) }

// TaskEvent is an immutable fact about a task's progress.
// Seq is assigned when the event is admitted into a stream; events replayed
// from a repository carry the repository's sequence instead.
type TaskEvent struct {
	ID             EventID        `json:"id"`
	Type           EventType      `json:"type"`
	TaskID         TaskID         `json:"task_id"`
	Name           TaskName       `json:"name"`
	IdempotencyKey IdempotencyKey `json:"idempotency_key"`
	UserID         UserID         `json:"user_id,omitempty"`
	TaskType       TaskType       `json:"task_type"`
	Seq            int64          `json:"seq,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Data is the progress payload (progress events).
	Data json.RawMessage `json:"data,omitempty"`
	// Input is the task input (start events), used to materialize the task row.
	Input json.RawMessage `json:"input,omitempty"`
	// Result is the handler result (complete events of completed tasks).
	Result json.RawMessage `json:"result,omitempty"`
	// Message is the error text (error and complete events of failed tasks).
	Message string `json:"message,omitempty"`
	// Status is the final status (complete events).
	Status Status `json:"status,omitempty"`

	Attempt          int   `json:"attempt,omitempty"`
	MaxAttempts      int   `json:"max_attempts,omitempty"`
	Retryable        bool  `json:"retryable,omitempty"`
	NextRetryDelayMs int64 `json:"next_retry_delay_ms,omitempty"`
	DurationMs       int64 `json:"duration_ms,omitempty"`
	// Recovered marks start events emitted when recovery resumes a stale task.
	Recovered bool `json:"recovered,omitempty"`
	// ExecutionOptions is carried on start events with the input.
	ExecutionOptions *ExecutionOptions `json:"execution_options,omitempty"`
	// CreatedAt is carried on start events (unix ms).
	CreatedAt int64 `json:"created_at,omitempty"`
}

// Time returns the event timestamp.
func (e TaskEvent) Time() time.Time { return msTime(e.Timestamp) }

// newEvent stamps the identity fields of t onto a fresh event.
func newEvent(t *Task, typ EventType) TaskEvent {
	return TaskEvent{
		ID:             NewEventID(),
		Type:           typ,
		TaskID:         t.ID(),
		Name:           t.Name(),
		IdempotencyKey: t.IdempotencyKey(),
		UserID:         t.UserID(),
		TaskType:       t.Type(),
		Timestamp:      time.Now().UnixMilli(),
	}
}

// snapshot copies the fields needed to create the task row onto ev.
func snapshot(ev *TaskEvent, t *Task) {
	ev.Input = t.Input()
	ev.CreatedAt = unixMs(t.CreatedAt())
	if eo := t.ExecutionOptions(); eo != (ExecutionOptions{}) {
		ev.ExecutionOptions = &eo
	}
}
