package taskflow

import (
	"context"

	"github.com/UniQw/taskflow-go/internal/hctx"
)

// ReportProgress persists and broadcasts a progress event for the task running
// under ctx. It is a no-op if the context is not provided by the executor.
func ReportProgress(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st.Emit == nil {
		return nil
	}
	raw, err := encodeInput(v)
	if err != nil {
		return &ValidationError{Field: "progress", Reason: err.Error()}
	}
	return st.Emit(raw)
}

// AttemptFromContext returns the attempt number of the running handler, or 0
// outside the executor.
func AttemptFromContext(ctx context.Context) int {
	st, ok := hctx.From(ctx)
	if !ok {
		return 0
	}
	return st.Attempt
}

// RecoveredFromContext reports whether the running handler resumes a stale task.
func RecoveredFromContext(ctx context.Context) bool {
	st, ok := hctx.From(ctx)
	return ok && st.Recovered
}
