package hctx

import "context"

// State holds per-attempt data the executor exposes to a running handler.
type State struct {
	TaskID    string
	Attempt   int
	Recovered bool
	// Emit persists and broadcasts one progress payload. It blocks until the
	// event has been appended to the log.
	Emit func(data []byte) error
}

// New creates a handler state container for one attempt.
func New(taskID string, attempt int, emit func([]byte) error) *State {
	return &State{TaskID: taskID, Attempt: attempt, Emit: emit}
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok && st != nil
}
