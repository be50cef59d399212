package taskflow

import (
	"context"
	"iter"
)

// Call describes one handler attempt.
type Call struct {
	Task    *Task
	Attempt int
	// Recovered is set when the run resumes a task left running by a crash.
	Recovered bool
	// Reason is why recovery was triggered ("stale"); empty for normal runs.
	Reason string
	// Previous holds the task's persisted history, oldest first, when recovering.
	Previous []TaskEvent

	emit func(v any) error
}

// Progress persists and broadcasts a progress event carrying v. It returns
// once the event is in the log.
func (c *Call) Progress(v any) error {
	if c == nil || c.emit == nil {
		return nil
	}
	return c.emit(v)
}

// Handler runs a task attempt. It returns the task result, or an error that
// the executor classifies as retryable or permanent.
type Handler interface {
	Run(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc is a single-result handler.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, call *Call) (any, error) { return f(ctx, call) }

// Final ends a StreamHandlerFunc sequence with Value as the task result.
type Final struct{ Value any }

// StreamHandlerFunc is a progress-sequence handler. Every yielded value is a
// progress payload, except Final which carries the result and stops the
// sequence. A yielded error fails the attempt. A sequence that ends without
// Final completes with a nil result.
type StreamHandlerFunc func(ctx context.Context, call *Call) iter.Seq2[any, error]

// Run drains the sequence. Each progress event is persisted before the next
// value is requested.
func (f StreamHandlerFunc) Run(ctx context.Context, call *Call) (any, error) {
	for v, err := range f(ctx, call) {
		if err != nil {
			return nil, err
		}
		if fin, ok := v.(Final); ok {
			return fin.Value, nil
		}
		if err := call.Progress(v); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// Middleware wraps a Handler to provide cross-cutting concerns.
type Middleware func(Handler) Handler

// Definition binds a task name to its handlers.
type Definition struct {
	Name    TaskName
	Handler Handler
	// Recover, when set, resumes stale tasks instead of re-running Handler.
	// It receives the persisted history in Call.Previous.
	Recover Handler
	// Retry overrides the executor's retry configuration for this task name.
	Retry *RetryConfig
}
