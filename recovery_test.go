package taskflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recoveryHarness struct {
	cfg      Config
	repo     *memRepo
	log      *memLog
	streams  *StreamManager
	guard    *Guard
	exec     *Executor
	registry *Registry
	rec      *Recovery
}

func newRecoveryHarness(t *testing.T, mutate func(*Config)) *recoveryHarness {
	t.Helper()
	cfg := testExecConfig()
	cfg.Recovery = RecoveryConfig{
		Enabled:                true,
		BackgroundPollInterval: 20 * time.Millisecond,
		StaleThreshold:         time.Minute,
		BatchSize:              10,
		CompletionTimeout:      time.Second,
	}
	cfg.Guard = testGuardConfig()
	cfg.Guard.Recovery.RecoverySlotTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	h := &recoveryHarness{
		cfg:      cfg,
		repo:     newMemRepo(),
		log:      newMemLog(),
		streams:  newTestStreams(100),
		guard:    NewGuard(cfg.Guard, nil),
		registry: NewRegistry(),
	}
	h.exec = NewExecutor(cfg, h.log, h.streams, nil)
	h.rec = NewRecovery(cfg, h.repo, h.guard, h.exec, h.streams, h.registry, nil)
	return h
}

// staleTask stores a running task whose heartbeat is age old, with two
// persisted events. Each call gets its own idempotency key.
func (h *recoveryHarness) staleTask(t *testing.T, name TaskName, user UserID, typ TaskType, age time.Duration) *TaskRecord {
	t.Helper()
	task := mustTask(t, name, map[string]string{"nonce": NewEventID().String()}, user, WithTaskType(typ))
	require.NoError(t, task.Start())
	rec := task.Record()
	rec.LastHeartbeatAt = time.Now().Add(-age).UnixMilli()
	h.repo.put(rec)
	start := newEvent(task, EventStart)
	progress := newEvent(task, EventProgress)
	progress.Data = []byte(`{"pct":50}`)
	require.NoError(t, h.repo.ExecuteBatch(context.Background(), []Op{
		{Kind: OpAppendEvent, TaskID: rec.ID, Event: &start},
		{Kind: OpAppendEvent, TaskID: rec.ID, Event: &progress},
	}))
	return rec
}

func TestRecovery_BackgroundOnly(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	var runs atomic.Int32
	require.NoError(t, h.registry.Handle("report", func(context.Context, *Call) (any, error) {
		runs.Add(1)
		return "ok", nil
	}))
	bg := h.staleTask(t, "report", "", TaskTypeBackground, 5*time.Minute)
	user := h.staleTask(t, "report", "u1", TaskTypeUser, 5*time.Minute)
	fresh := h.staleTask(t, "report", "", TaskTypeBackground, time.Second)

	batch, err := h.rec.RecoverBackgroundTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryBatch{Found: 1, Recovered: 1}, batch)
	require.Equal(t, int32(1), runs.Load())

	require.NotEmpty(t, h.log.types(bg.ID))
	require.Empty(t, h.log.types(user.ID), "user tasks are never auto-recovered")
	require.Empty(t, h.log.types(fresh.ID))

	st := h.rec.Stats()
	require.Equal(t, int64(1), st.BackgroundRecovered)
	require.Equal(t, int64(1), st.ReExecutions)
	require.False(t, st.LastBackgroundScanAt.IsZero())
	require.Zero(t, h.guard.Stats().Recovery.InUse)
}

func TestRecovery_DisabledIsNoop(t *testing.T) {
	h := newRecoveryHarness(t, func(c *Config) { c.Recovery.Enabled = false })
	h.staleTask(t, "report", "", TaskTypeBackground, 5*time.Minute)
	batch, err := h.rec.RecoverBackgroundTasks(context.Background())
	require.NoError(t, err)
	require.Zero(t, batch.Found)
	require.True(t, h.rec.Stats().LastBackgroundScanAt.IsZero())
}

func TestRecovery_SkipsWhenRepositoryDown(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	h.staleTask(t, "report", "", TaskTypeBackground, 5*time.Minute)
	h.repo.setHealthy(false)
	batch, err := h.rec.RecoverBackgroundTasks(context.Background())
	require.NoError(t, err)
	require.Zero(t, batch.Found)
}

func TestRecovery_FailuresDoNotStopBatch(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	require.NoError(t, h.registry.Handle("ok", func(context.Context, *Call) (any, error) { return 1, nil }))
	h.staleTask(t, "missing", "", TaskTypeBackground, 5*time.Minute)
	good := h.staleTask(t, "ok", "", TaskTypeBackground, 4*time.Minute)

	batch, err := h.rec.RecoverBackgroundTasks(context.Background())
	require.ErrorIs(t, err, ErrNoHandler)
	require.ErrorContains(t, err, `"missing"`)
	require.Equal(t, 2, batch.Found)
	require.Equal(t, 1, batch.Recovered)
	require.Equal(t, 1, batch.Failed)
	require.Equal(t, int64(1), h.rec.Stats().Failed)
	require.Contains(t, h.log.types(good.ID), EventComplete)
}

func TestRecovery_BatchSizeAndConcurrency(t *testing.T) {
	h := newRecoveryHarness(t, func(c *Config) {
		c.Recovery.BatchSize = 3
		c.Guard.Recovery.MaxRecoverySlots = 2
	})
	var inFlight, peak atomic.Int32
	require.NoError(t, h.registry.Handle("job", func(context.Context, *Call) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}))
	for i := 0; i < 5; i++ {
		h.staleTask(t, TaskName("job"), UserID(""), TaskTypeBackground, time.Duration(i+2)*time.Minute)
	}
	batch, err := h.rec.RecoverBackgroundTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, batch.Found)
	require.Equal(t, 3, batch.Recovered)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRecovery_SmartRecoveryReplaysHistoryFirst(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	var got *Call
	require.NoError(t, h.registry.Register(Definition{
		Name:    "import",
		Handler: HandlerFunc(func(context.Context, *Call) (any, error) { return "fresh", nil }),
		Recover: HandlerFunc(func(_ context.Context, c *Call) (any, error) {
			got = c
			return "resumed", nil
		}),
	}))
	rec := h.staleTask(t, "import", "", TaskTypeBackground, 5*time.Minute)
	task, err := FromRecord(rec)
	require.NoError(t, err)

	var order []EventType
	require.NoError(t, h.streams.GetOrCreate(rec.IdempotencyKey))
	stop, err := h.streams.Listen(rec.IdempotencyKey, func(ev TaskEvent, ok bool) {
		if ok {
			order = append(order, ev.Type)
		}
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, h.rec.RecoverStaleTask(context.Background(), task))
	require.Equal(t, []EventType{EventStart, EventProgress, EventStart, EventComplete}, order)
	require.NotNil(t, got)
	require.Equal(t, "stale", got.Reason)
	require.True(t, got.Recovered)
	require.Len(t, got.Previous, 2)
	require.JSONEq(t, `"resumed"`, string(task.Result()))
	require.True(t, h.log.events(task.ID(), EventStart)[0].Recovered)

	st := h.rec.Stats()
	require.Equal(t, int64(1), st.SmartRecoveries)
	require.Zero(t, st.ReExecutions)
}

func TestRecovery_CompletionTimeout(t *testing.T) {
	h := newRecoveryHarness(t, func(c *Config) { c.Recovery.CompletionTimeout = 30 * time.Millisecond })
	require.NoError(t, h.registry.Handle("hang", func(ctx context.Context, _ *Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	rec := h.staleTask(t, "hang", "", TaskTypeBackground, 5*time.Minute)
	task, err := FromRecord(rec)
	require.NoError(t, err)
	require.ErrorIs(t, h.rec.RecoverStaleTask(context.Background(), task), context.DeadlineExceeded)
	require.Equal(t, StatusCancelled, task.Status())
}

func TestRecovery_HandleDatabaseCheck(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	ctx := context.Background()

	done := mustTask(t, "sum", 1, "u1")
	require.NoError(t, done.Start())
	require.NoError(t, done.Complete(3))
	h.repo.put(done.Record())
	ev := newEvent(done, EventComplete)
	require.NoError(t, h.repo.ExecuteBatch(ctx, []Op{{Kind: OpAppendEvent, TaskID: done.ID(), Event: &ev}}))

	replay, err := h.rec.HandleDatabaseCheck(ctx, done.IdempotencyKey(), "u1")
	require.NoError(t, err)
	require.NotNil(t, replay)
	require.Equal(t, StatusCompleted, replay.Task.Status())
	require.Len(t, replay.Events, 1)
	require.Equal(t, int64(1), replay.Events[0].Seq)

	replay, err = h.rec.HandleDatabaseCheck(ctx, done.IdempotencyKey(), "intruder")
	require.NoError(t, err)
	require.Nil(t, replay, "never served to another user")

	running := h.staleTask(t, "sum", "u1", TaskTypeUser, time.Second)
	replay, err = h.rec.HandleDatabaseCheck(ctx, running.IdempotencyKey, "u1")
	require.NoError(t, err)
	require.Nil(t, replay)

	replay, err = h.rec.HandleDatabaseCheck(ctx, "unknown-key", "u1")
	require.NoError(t, err)
	require.Nil(t, replay)

	h.repo.setHealthy(false)
	replay, err = h.rec.HandleDatabaseCheck(ctx, done.IdempotencyKey(), "u1")
	require.NoError(t, err)
	require.Nil(t, replay)

	_, err = h.rec.HandleDatabaseCheck(ctx, "", "u1")
	require.ErrorIs(t, err, ErrValidation)
}

func TestRecovery_RecoverUserTask(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.registry.Handle("upload", func(context.Context, *Call) (any, error) { return "ok", nil }))

	stale := h.staleTask(t, "upload", "u1", TaskTypeUser, 5*time.Minute)
	_, err := h.rec.RecoverUserTask(ctx, stale.IdempotencyKey, "u2")
	require.ErrorIs(t, err, ErrTaskNotFound)

	task, err := h.rec.RecoverUserTask(ctx, stale.IdempotencyKey, "u1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, task.Status())
	require.Equal(t, int64(1), h.rec.Stats().UserRecovered)

	fresh := h.staleTask(t, "upload", "u3", TaskTypeUser, time.Second)
	_, err = h.rec.RecoverUserTask(ctx, fresh.IdempotencyKey, "u3")
	require.ErrorIs(t, err, ErrTaskAlive)
}

// typeBlindRepo returns stale tasks of every type, whatever was asked for.
type typeBlindRepo struct{ *memRepo }

func (r typeBlindRepo) FindStaleTasks(ctx context.Context, olderThan time.Time, _ TaskType, limit int) ([]*TaskRecord, error) {
	bg, err := r.memRepo.FindStaleTasks(ctx, olderThan, TaskTypeBackground, limit)
	if err != nil {
		return nil, err
	}
	user, err := r.memRepo.FindStaleTasks(ctx, olderThan, TaskTypeUser, limit)
	if err != nil {
		return nil, err
	}
	return append(user, bg...), nil
}

func TestRecovery_FoundCountsOnlyBackgroundTasks(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	require.NoError(t, h.registry.Handle("report", func(context.Context, *Call) (any, error) { return "ok", nil }))
	h.staleTask(t, "report", "u1", TaskTypeUser, 5*time.Minute)
	h.staleTask(t, "report", "u2", TaskTypeUser, 5*time.Minute)
	h.staleTask(t, "report", "", TaskTypeBackground, 5*time.Minute)

	rec := NewRecovery(h.cfg, typeBlindRepo{h.repo}, h.guard, h.exec, h.streams, h.registry, nil)
	batch, err := rec.RecoverBackgroundTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryBatch{Found: 1, Recovered: 1}, batch)
}

func TestRecovery_StillExecutingIsSkipped(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	release := make(chan struct{})
	def := &Definition{Name: "slow", Handler: HandlerFunc(func(ctx context.Context, _ *Call) (any, error) {
		<-release
		return "done", nil
	})}
	require.NoError(t, h.registry.Register(*def))

	task := mustTask(t, "slow", nil, "", Background())
	done := make(chan error, 1)
	go func() { done <- h.exec.Execute(context.Background(), task, def) }()
	require.Eventually(t, func() bool { return h.exec.IsExecuting(task.IdempotencyKey()) }, time.Second, 5*time.Millisecond)

	// the repository still shows the task with an old heartbeat
	rec := task.Record()
	rec.LastHeartbeatAt = time.Now().Add(-5 * time.Minute).UnixMilli()
	h.repo.put(rec)

	batch, err := h.rec.RecoverBackgroundTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, RecoveryBatch{Found: 1, Skipped: 1}, batch)
	st := h.rec.Stats()
	require.Zero(t, st.Failed)
	require.Equal(t, int64(1), st.Skipped)
	require.Zero(t, st.BackgroundRecovered)

	close(release)
	require.NoError(t, <-done)
}

func TestRecovery_IsTaskAlive(t *testing.T) {
	h := newRecoveryHarness(t, func(c *Config) { c.HeartbeatInterval = time.Minute })
	task := mustTask(t, "ping", nil, "u1")
	require.False(t, h.rec.IsTaskAlive(task), "no heartbeat yet")
	require.NoError(t, task.Start())
	require.True(t, h.rec.IsTaskAlive(task))

	rec := task.Record()
	rec.LastHeartbeatAt = time.Now().Add(-2 * time.Minute).UnixMilli()
	old, err := FromRecord(rec)
	require.NoError(t, err)
	require.False(t, h.rec.IsTaskAlive(old))
}

func TestRecovery_BackgroundLoop(t *testing.T) {
	h := newRecoveryHarness(t, nil)
	var runs atomic.Int32
	require.NoError(t, h.registry.Handle("tick", func(context.Context, *Call) (any, error) {
		runs.Add(1)
		return nil, nil
	}))
	h.staleTask(t, "tick", "", TaskTypeBackground, 5*time.Minute)

	h.rec.StopBackgroundRecovery()
	h.rec.StartBackgroundRecovery()
	h.rec.StartBackgroundRecovery()
	require.True(t, h.rec.Stats().Running)
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	h.rec.StopBackgroundRecovery()
	h.rec.StopBackgroundRecovery()
	require.False(t, h.rec.Stats().Running)
}
