package taskflow

// Status is the lifecycle state of a task.
// Use the exported constants instead of raw strings to avoid typos.
type Status string

const (
	// StatusCreated is the initial state; the task has not run yet.
	StatusCreated Status = "created"
	// StatusRunning means a handler is (or was, before a crash) executing the task.
	StatusRunning Status = "running"
	// StatusCompleted is terminal: the handler returned a result.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal until ResetToPending: attempts exhausted or permanent error.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal: the task was aborted.
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{StatusCreated, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether s is completed, failed or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusCreated):
		return StatusCreated, nil
	case string(StatusRunning):
		return StatusRunning, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusFailed):
		return StatusFailed, nil
	case string(StatusCancelled):
		return StatusCancelled, nil
	default:
		return "", ErrUnknownState
	}
}

// TaskType distinguishes caller-driven tasks from background work.
// Only background tasks are recovered automatically.
type TaskType string

const (
	TaskTypeUser       TaskType = "user"
	TaskTypeBackground TaskType = "background"
)

func (t TaskType) String() string { return string(t) }

// ParseTaskType converts a string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch s {
	case string(TaskTypeUser):
		return TaskTypeUser, nil
	case string(TaskTypeBackground):
		return TaskTypeBackground, nil
	default:
		return "", ErrUnknownState
	}
}
