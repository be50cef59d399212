package taskflow_test

import (
	"context"
	"testing"
	"time"

	taskflow "github.com/UniQw/taskflow-go"
	"github.com/UniQw/taskflow-go/redisstore"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type pair struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newRedisEngine(t *testing.T, rdb redis.UniversalClient, reg *taskflow.Registry) (*taskflow.Engine, *redisstore.Store) {
	t.Helper()
	st := redisstore.New(rdb, redisstore.WithNamespace("e2e"))
	cfg := taskflow.DefaultConfig()
	cfg.Recovery.Enabled = true
	cfg.Flush.Interval = 10 * time.Millisecond
	e, err := taskflow.NewEngine(cfg, reg, nil, st, taskflow.WithoutRecoveryLoop())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e, st
}

func sumRegistry(t *testing.T) *taskflow.Registry {
	t.Helper()
	reg := taskflow.NewRegistry()
	require.NoError(t, reg.Handle("sum", func(_ context.Context, call *taskflow.Call) (any, error) {
		var in pair
		if err := call.Task.DecodeInput(&in); err != nil {
			return nil, taskflow.Permanent(err)
		}
		return map[string]int{"sum": in.A + in.B}, nil
	}))
	return reg
}

func TestEngine_EndToEnd_RedisReplayAcrossRestart(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	first, _ := newRedisEngine(t, rdb, sumRegistry(t))
	task, err := first.Submit(ctx, "sum", pair{A: 20, B: 22}, "u1")
	require.NoError(t, err)
	_, err = first.Wait(ctx, task.IdempotencyKey())
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	second, st := newRedisEngine(t, rdb, sumRegistry(t))
	replay, err := second.Replay(ctx, task.IdempotencyKey(), "u1")
	require.NoError(t, err)
	require.NotNil(t, replay)
	require.Equal(t, taskflow.StatusCompleted, replay.Task.Status())
	require.Len(t, replay.Events, 2)
	require.Equal(t, taskflow.EventStart, replay.Events[0].Type)
	require.Equal(t, taskflow.EventComplete, replay.Events[1].Type)

	var out map[string]int
	require.NoError(t, replay.Task.DecodeResult(&out))
	require.Equal(t, 42, out["sum"])

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
}

// A start event flushed an hour ago with no later heartbeat looks like a
// task orphaned by a crashed process.
func TestEngine_EndToEnd_RedisRecoversOrphan(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	orphan, err := taskflow.NewTask("sum", pair{A: 1, B: 2}, "", taskflow.Background())
	require.NoError(t, err)
	crashedAt := time.Now().Add(-time.Hour).UnixMilli()

	st := redisstore.New(rdb, redisstore.WithNamespace("e2e"))
	require.NoError(t, st.AppendEvent(ctx, taskflow.TaskEvent{
		ID:             taskflow.NewEventID(),
		Type:           taskflow.EventStart,
		TaskID:         orphan.ID(),
		Name:           orphan.Name(),
		IdempotencyKey: orphan.IdempotencyKey(),
		TaskType:       taskflow.TaskTypeBackground,
		Timestamp:      crashedAt,
		Input:          orphan.Input(),
		Attempt:        1,
		CreatedAt:      crashedAt,
	}))
	_, err = taskflow.NewFlusher(taskflow.FlushConfig{Interval: time.Hour, BatchSize: 10}, st, st, nil).Flush(ctx)
	require.NoError(t, err)

	e, _ := newRedisEngine(t, rdb, sumRegistry(t))
	batch, err := e.Recovery().RecoverBackgroundTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, taskflow.RecoveryBatch{Found: 1, Recovered: 1}, batch)
	require.Equal(t, int64(1), e.Recovery().Stats().ReExecutions)

	require.Eventually(t, func() bool {
		rec, err := st.FindByID(ctx, orphan.ID())
		return err == nil && rec.Status == taskflow.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stale, err := st.FindStaleTasks(ctx, time.Now(), taskflow.TaskTypeBackground, 0)
	require.NoError(t, err)
	require.Empty(t, stale)
}
