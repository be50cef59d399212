package taskflow

import (
	"context"
	"testing"

	"github.com/UniQw/taskflow-go/internal/hctx"
	"github.com/stretchr/testify/require"
)

func TestHandlerCtx_NoState_NoPanic(t *testing.T) {
	ctx := context.Background()
	// should be no-op and no panic
	require.NoError(t, ReportProgress(ctx, map[string]int{"a": 1}))
	require.Zero(t, AttemptFromContext(ctx))
	require.False(t, RecoveredFromContext(ctx))
}

func TestHandlerCtx_WithState_Progress(t *testing.T) {
	var got []string
	st := hctx.New("id", 3, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	st.Recovered = true
	ctx := hctx.WithState(context.Background(), st)

	require.NoError(t, ReportProgress(ctx, map[string]any{"pct": 42}))
	require.Equal(t, []string{`{"pct":42}`}, got)
	require.Equal(t, 3, AttemptFromContext(ctx))
	require.True(t, RecoveredFromContext(ctx))

	require.ErrorIs(t, ReportProgress(ctx, func() {}), ErrValidation)
}
