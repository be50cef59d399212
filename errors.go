package taskflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTaskNotFound is returned by repositories when no task matches the lookup.
var ErrTaskNotFound = errors.New("taskflow: task not found")

// ErrUnknownState is returned when an invalid status or task type is parsed.
var ErrUnknownState = errors.New("taskflow: unknown state")

// ErrNoHandler indicates there is no handler registered for the task name; the task fails without retry.
var ErrNoHandler = errors.New("taskflow: no handler")

// ErrAborted is the cancellation cause used by Executor.Abort and Executor.AbortAll.
var ErrAborted = errors.New("taskflow: task aborted")

// ErrStreamNotFound is returned by Listen when no stream exists for the key.
var ErrStreamNotFound = errors.New("taskflow: stream not found")

// ErrTaskAlive is returned when recovery is asked to resume a task whose
// heartbeat is still fresh or whose run is in flight in this process.
var ErrTaskAlive = errors.New("taskflow: task is still alive")

// ErrGuardShutdown is returned to slot waiters when the guard shuts down.
var ErrGuardShutdown = errors.New("taskflow: guard shut down")

// Sentinels matched by the typed errors below via errors.Is.
var (
	ErrValidation     = errors.New("taskflow: validation failed")
	ErrTaskState      = errors.New("taskflow: illegal task state transition")
	ErrBackpressure   = errors.New("taskflow: backpressure")
	ErrSlotTimeout    = errors.New("taskflow: slot timeout")
	ErrStreamOverflow = errors.New("taskflow: stream overflow")
)

// ValidationError reports malformed keys or input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "taskflow: validation failed: " + e.Reason
	}
	return fmt.Sprintf("taskflow: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TaskStateError reports an illegal state transition.
type TaskStateError struct {
	Op      string
	From    Status
	Allowed []Status
}

func (e *TaskStateError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("taskflow: cannot %s a terminal task (status=%s)", e.Op, e.From)
	}
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, s.String())
	}
	return fmt.Sprintf("taskflow: cannot %s task in status %s (allowed: %s)", e.Op, e.From, strings.Join(allowed, ", "))
}

func (e *TaskStateError) Is(target error) bool { return target == ErrTaskState }

// BackpressureError reports admission, queue or recovery-pool exhaustion.
// Callers should back off and retry later.
type BackpressureError struct {
	Reason     string
	Limit      int
	RetryAfter time.Duration
}

func (e *BackpressureError) Error() string {
	msg := fmt.Sprintf("taskflow: backpressure: %s (limit=%d)", e.Reason, e.Limit)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" retry after %s", e.RetryAfter)
	}
	return msg
}

func (e *BackpressureError) Is(target error) bool { return target == ErrBackpressure }

// SlotTimeoutError reports that a slot wait exceeded the configured timeout.
type SlotTimeoutError struct {
	Key     IdempotencyKey
	Timeout time.Duration
}

func (e *SlotTimeoutError) Error() string {
	return fmt.Sprintf("taskflow: timed out after %s waiting for execution slot (key=%s)", e.Timeout, e.Key.Short())
}

func (e *SlotTimeoutError) Is(target error) bool { return target == ErrSlotTimeout }

// StreamOverflowError reports that the requested replay point is no longer
// buffered. The consumer must resynchronize from durable storage.
type StreamOverflowError struct {
	Key       IdempotencyKey
	LastSeq   int64
	OldestSeq int64
}

func (e *StreamOverflowError) Error() string {
	return fmt.Sprintf("taskflow: stream %s overflow: seq %d evicted (oldest buffered %d)", e.Key.Short(), e.LastSeq, e.OldestSeq)
}

func (e *StreamOverflowError) Is(target error) bool { return target == ErrStreamOverflow }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable for the executor.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether the executor would retry after err.
// Validation, state, no-handler and Permanent errors are permanent; the rest
// (network resets, timeouts, generic handler failures) are transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	switch {
	case errors.As(err, &pe):
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrTaskState), errors.Is(err, ErrNoHandler):
		return false
	case errors.Is(err, ErrAborted):
		return false
	}
	return true
}
