package taskflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type engineHarness struct {
	log      *memLog
	repo     *memRepo
	registry *Registry
	engine   *Engine
}

func newEngineHarness(t *testing.T, mutate func(*Config), opts ...EngineOption) *engineHarness {
	t.Helper()
	cfg := testExecConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Guard = testGuardConfig()
	cfg.Guard.Slots.MaxExecutionGlobal = 4
	cfg.Flush.Interval = 10 * time.Millisecond
	cfg.Recovery.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	h := &engineHarness{log: newMemLog(), repo: newMemRepo(), registry: NewRegistry()}
	require.NoError(t, h.registry.Handle("sum", sumHandler))
	opts = append([]EngineOption{WithEventLog(h.log)}, opts...)
	e, err := NewEngine(cfg, h.registry, nil, h.repo, opts...)
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return h
}

func TestEngine_RequiresEventLog(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), NewRegistry(), nil, newMemRepo())
	require.ErrorIs(t, err, ErrValidation)
	_, err = NewEngine(DefaultConfig(), nil, nil, newMemRepo())
	require.ErrorIs(t, err, ErrValidation)
}

func TestEngine_SubmitStreamsToCompletion(t *testing.T) {
	h := newEngineHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	task, err := h.engine.Submit(ctx, "sum", map[string]int{"a": 1, "b": 2}, "u1")
	require.NoError(t, err)

	var types []EventType
	for ev, err := range h.engine.Events(ctx, task.IdempotencyKey()) {
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	require.Equal(t, []EventType{EventStart, EventComplete}, types)

	done, err := h.engine.Wait(ctx, task.IdempotencyKey())
	require.NoError(t, err)
	require.Same(t, task, done)
	require.Equal(t, StatusCompleted, task.Status())

	require.Eventually(t, func() bool {
		rec, err := h.repo.FindByID(ctx, task.ID())
		return err == nil && rec.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	st := h.engine.Stats(ctx)
	require.Zero(t, st.InFlight)
	require.Equal(t, int64(1), st.Executor.Completed)
	require.Equal(t, "closed", st.Breaker)
	require.NotNil(t, st.Log)
	require.Zero(t, st.Guard.Slots.Running)
}

func TestEngine_DeduplicatesInFlight(t *testing.T) {
	h := newEngineHarness(t, nil)
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, h.registry.Handle("slow", func(ctx context.Context, _ *Call) (any, error) {
		runs.Add(1)
		<-release
		return "ok", nil
	}))
	ctx := context.Background()

	first, err := h.engine.Submit(ctx, "slow", 1, "u1")
	require.NoError(t, err)
	second, err := h.engine.Submit(ctx, "slow", 1, "u1")
	require.NoError(t, err)
	require.Same(t, first, second)

	close(release)
	_, err = h.engine.Wait(ctx, first.IdempotencyKey())
	require.NoError(t, err)
	require.Equal(t, int32(1), runs.Load())
}

func TestEngine_AbortRunningAndQueued(t *testing.T) {
	h := newEngineHarness(t, func(c *Config) { c.Guard.Slots.MaxExecutionGlobal = 1 })
	started := make(chan struct{}, 1)
	require.NoError(t, h.registry.Handle("block", func(ctx context.Context, _ *Call) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))
	ctx := context.Background()

	running, err := h.engine.Submit(ctx, "block", 1, "u1")
	require.NoError(t, err)
	<-started
	queued, err := h.engine.Submit(ctx, "block", 2, "u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.engine.Guard().Stats().Slots.Waiting == 1 }, time.Second, time.Millisecond)

	require.True(t, h.engine.Abort(queued.IdempotencyKey()))
	_, err = h.engine.Wait(ctx, queued.IdempotencyKey())
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, StatusCancelled, queued.Status())
	require.Zero(t, queued.Attempt())

	require.True(t, h.engine.Abort(running.IdempotencyKey()))
	_, err = h.engine.Wait(ctx, running.IdempotencyKey())
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, StatusCancelled, running.Status())
	require.False(t, h.engine.Abort(running.IdempotencyKey()))
}

func TestEngine_AutoDeadLetterAndRetry(t *testing.T) {
	h := newEngineHarness(t, nil, WithAutoDeadLetter())
	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, h.registry.Handle("charge", func(context.Context, *Call) (any, error) {
		if fail.Load() {
			return nil, Permanent(errors.New("card declined"))
		}
		return "charged", nil
	}))
	ctx := context.Background()

	task, err := h.engine.Submit(ctx, "charge", map[string]int{"amount": 5}, "u1")
	require.NoError(t, err)
	_, err = h.engine.Wait(ctx, task.IdempotencyKey())
	require.ErrorContains(t, err, "card declined")

	entry, ok := h.engine.Guard().DLQEntry(task.IdempotencyKey())
	require.True(t, ok)
	require.Equal(t, "card declined", entry.Reason)

	_, err = h.engine.Submit(ctx, "charge", map[string]int{"amount": 5}, "u1")
	require.ErrorIs(t, err, ErrValidation, "dead-lettered keys are not admitted")

	fail.Store(false)
	retried, err := h.engine.RetryDeadLetter(ctx, task.IdempotencyKey())
	require.NoError(t, err)
	require.Equal(t, task.ID(), retried.ID())
	_, err = h.engine.Wait(ctx, task.IdempotencyKey())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, retried.Status())
	require.Equal(t, 1, retried.Attempt())
}

func TestEngine_NoAutoDeadLetterByDefault(t *testing.T) {
	h := newEngineHarness(t, nil)
	ctx := context.Background()
	task, err := h.engine.Submit(ctx, "unknown", nil, "u1")
	require.NoError(t, err)
	_, err = h.engine.Wait(ctx, task.IdempotencyKey())
	require.ErrorIs(t, err, ErrNoHandler)
	require.Zero(t, h.engine.Guard().DLQStats().Size)
}

func TestEngine_SlotTimeoutFailsTask(t *testing.T) {
	h := newEngineHarness(t, func(c *Config) {
		c.Guard.Slots.MaxExecutionGlobal = 1
		c.Guard.Slots.SlotTimeout = 20 * time.Millisecond
	})
	release := make(chan struct{})
	require.NoError(t, h.registry.Handle("hold", func(context.Context, *Call) (any, error) {
		<-release
		return nil, nil
	}))
	defer close(release)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, "hold", 1, "u1")
	require.NoError(t, err)
	late, err := h.engine.Submit(ctx, "hold", 2, "u1")
	require.NoError(t, err)
	_, err = h.engine.Wait(ctx, late.IdempotencyKey())
	require.ErrorIs(t, err, ErrSlotTimeout)
	require.Equal(t, StatusFailed, late.Status())
	require.Equal(t, []EventType{EventError}, h.log.types(late.ID()))
}

func TestEngine_Backpressure(t *testing.T) {
	h := newEngineHarness(t, func(c *Config) { c.Guard.Backpressure.MaxTasksPerUserWindow = 1 })
	ctx := context.Background()
	_, err := h.engine.Submit(ctx, "sum", map[string]int{"a": 1}, "u1")
	require.NoError(t, err)
	_, err = h.engine.Submit(ctx, "sum", map[string]int{"a": 2}, "u1")
	var bp *BackpressureError
	require.ErrorAs(t, err, &bp)
	_, err = h.engine.Submit(ctx, "sum", map[string]int{"a": 2}, "u2")
	require.NoError(t, err)
}

func TestEngine_ReplayFromRepository(t *testing.T) {
	h := newEngineHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	task, err := h.engine.Submit(ctx, "sum", map[string]int{"a": 4, "b": 5}, "u1")
	require.NoError(t, err)
	_, err = h.engine.Wait(ctx, task.IdempotencyKey())
	require.NoError(t, err)
	_, err = h.engine.Flusher().Flush(ctx)
	require.NoError(t, err)

	replay, err := h.engine.Replay(ctx, task.IdempotencyKey(), "u1")
	require.NoError(t, err)
	require.NotNil(t, replay)
	require.Len(t, replay.Events, 2)
	var out sumOutput
	require.NoError(t, replay.Task.DecodeResult(&out))
	require.Equal(t, 9, out.Sum)

	replay, err = h.engine.Replay(ctx, task.IdempotencyKey(), "u2")
	require.NoError(t, err)
	require.Nil(t, replay)
}

func TestEngine_StopAbortsAndRejects(t *testing.T) {
	h := newEngineHarness(t, nil)
	started := make(chan struct{})
	require.NoError(t, h.registry.Handle("forever", func(ctx context.Context, _ *Call) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.NoError(t, h.engine.Start(ctx))

	task, err := h.engine.Submit(ctx, "forever", nil, "u1")
	require.NoError(t, err)
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.engine.Stop(stopCtx))
	require.Equal(t, StatusCancelled, task.Status())

	_, err = h.engine.Submit(ctx, "sum", 1, "u1")
	require.ErrorIs(t, err, ErrEngineStopped)
	require.ErrorIs(t, h.engine.Start(ctx), ErrEngineStopped)
	require.NoError(t, h.engine.Stop(ctx))

	require.Eventually(t, func() bool {
		rec, err := h.repo.FindByID(ctx, task.ID())
		return err == nil && rec.Status == StatusCancelled
	}, time.Second, 5*time.Millisecond, "final flush persists the cancellation")
}

func TestEngine_WaitUnknown(t *testing.T) {
	h := newEngineHarness(t, nil)
	_, err := h.engine.Wait(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEngine_WithoutRecoveryLoop(t *testing.T) {
	h := newEngineHarness(t, func(c *Config) { c.Recovery.Enabled = true }, WithoutRecoveryLoop())
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.False(t, h.engine.Recovery().Stats().Running)

	batch, err := h.engine.Recovery().RecoverBackgroundTasks(ctx)
	require.NoError(t, err)
	require.Zero(t, batch.Found)
}
