package taskflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadinessChecker is implemented by repositories that know whether they can
// currently serve reads without a round trip (see BreakerRepository).
type ReadinessChecker interface {
	Ready() bool
}

// Replay is a finished task served from the repository together with its
// persisted history, oldest first.
type Replay struct {
	Task   *Task
	Events []TaskEvent
}

// RecoveryBatch summarizes one background scan. Skipped counts tasks found
// stale in the repository but still executing in this process.
type RecoveryBatch struct {
	Found     int
	Recovered int
	Failed    int
	Skipped   int
}

// RecoveryStats echoes the recovery configuration and its outcome counters.
type RecoveryStats struct {
	Enabled                bool          `json:"enabled"`
	Running                bool          `json:"running"`
	BackgroundPollInterval time.Duration `json:"background_poll_interval"`
	StaleThreshold         time.Duration `json:"stale_threshold"`
	BatchSize              int           `json:"batch_size"`
	CompletionTimeout      time.Duration `json:"completion_timeout"`
	MaxConcurrent          int           `json:"max_concurrent"`

	BackgroundRecovered  int64     `json:"background_recovered"`
	UserRecovered        int64     `json:"user_recovered"`
	Failed               int64     `json:"failed"`
	Skipped              int64     `json:"skipped"`
	SmartRecoveries      int64     `json:"smart_recoveries"`
	ReExecutions         int64     `json:"re_executions"`
	LastBackgroundScanAt time.Time `json:"last_background_scan_at,omitempty"`
}

// Recovery resumes tasks that were left running by a crashed process and
// serves finished tasks back from the repository.
type Recovery struct {
	cfg       RecoveryConfig
	heartbeat time.Duration
	limit     int

	repo     TaskRepository
	guard    *Guard
	exec     *Executor
	streams  *StreamManager
	registry *Registry
	log      Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	background atomic.Int64
	user       atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	smart      atomic.Int64
	reexec     atomic.Int64
	lastScan   atomic.Int64
}

// NewRecovery wires recovery to the components it drives. streams may be nil.
func NewRecovery(cfg Config, repo TaskRepository, guard *Guard, exec *Executor, streams *StreamManager, registry *Registry, log Logger) *Recovery {
	cfg = cfg.withDefaults()
	return &Recovery{
		cfg:       cfg.Recovery,
		heartbeat: cfg.HeartbeatInterval,
		limit:     cfg.Guard.Recovery.MaxRecoverySlots,
		repo:      repo,
		guard:     guard,
		exec:      exec,
		streams:   streams,
		registry:  registry,
		log:       orNoop(log),
	}
}

// RecoverBackgroundTasks resumes stale background tasks, at most BatchSize
// per call. A failure is counted and logged; it does not stop the batch.
// User tasks are never picked up here.
func (r *Recovery) RecoverBackgroundTasks(ctx context.Context) (RecoveryBatch, error) {
	var batch RecoveryBatch
	if !r.cfg.Enabled {
		return batch, nil
	}
	r.lastScan.Store(time.Now().UnixMilli())
	if !r.repositoryReady(ctx) {
		r.log.Debugf("recovery scan skipped: repository not ready")
		return batch, nil
	}
	olderThan := time.Now().Add(-r.cfg.StaleThreshold)
	recs, err := r.repo.FindStaleTasks(ctx, olderThan, TaskTypeBackground, r.cfg.BatchSize)
	if err != nil {
		return batch, fmt.Errorf("find stale tasks: %w", err)
	}
	recs = slices.DeleteFunc(recs, func(rec *TaskRecord) bool { return rec.Type != TaskTypeBackground })
	if len(recs) > r.cfg.BatchSize {
		recs = recs[:r.cfg.BatchSize]
	}
	batch.Found = len(recs)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.limit)
	for _, rec := range recs {
		g.Go(func() error {
			err := r.recoverWithSlot(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrTaskAlive) {
				batch.Skipped++
				r.log.Debugf("recover background task %s: still executing", rec.ID)
				return nil
			}
			if err != nil {
				batch.Failed++
				r.log.Errorf("recover background task %s (%s): %v", rec.ID, rec.Name, err)
				return err
			}
			batch.Recovered++
			r.background.Add(1)
			return nil
		})
	}
	err = g.Wait()
	if batch.Found > 0 {
		r.log.Infof("recovery scan: found=%d recovered=%d failed=%d skipped=%d", batch.Found, batch.Recovered, batch.Failed, batch.Skipped)
	}
	return batch, err
}

func (r *Recovery) recoverWithSlot(ctx context.Context, rec *TaskRecord) error {
	task, err := FromRecord(rec)
	if err != nil {
		r.failed.Add(1)
		return err
	}
	if err := r.guard.AcquireRecoverySlot(ctx); err != nil {
		r.failed.Add(1)
		return err
	}
	defer r.guard.ReleaseRecoverySlot()
	return r.RecoverStaleTask(ctx, task)
}

// RecoverStaleTask replays the task's persisted events to its stream and then
// resumes it: through the definition's Recover handler when there is one
// (smart recovery), otherwise by running Handler again from scratch. The
// resumed run is bounded by CompletionTimeout.
func (r *Recovery) RecoverStaleTask(ctx context.Context, task *Task) error {
	def, ok := r.registry.Lookup(task.Name())
	if !ok {
		r.failed.Add(1)
		return fmt.Errorf("recover task %s: no definition for %q: %w", task.ID(), task.Name(), ErrNoHandler)
	}
	key := task.IdempotencyKey()
	if r.exec.IsExecuting(key) {
		r.skipped.Add(1)
		return fmt.Errorf("recover task %s: %w", task.ID(), ErrTaskAlive)
	}
	previous, err := r.repo.GetEvents(ctx, task.ID())
	if err != nil {
		r.failed.Add(1)
		return fmt.Errorf("load events for task %s: %w", task.ID(), err)
	}

	if r.streams != nil {
		if err := r.streams.GetOrCreate(key); err != nil {
			r.failed.Add(1)
			return err
		}
		defer func() { _ = r.streams.Close(key) }()
		for _, ev := range previous {
			if _, err := r.streams.Push(key, ev); err != nil {
				r.log.Warnf("replay event %s for %s: %v", ev.ID, key.Short(), err)
			}
		}
	}

	if def.Recover != nil {
		r.smart.Add(1)
		r.log.Infof("smart recovery of task %s (%s) with %d previous event(s)", key.Short(), task.Name(), len(previous))
	} else {
		r.reexec.Add(1)
		r.log.Infof("re-executing stale task %s (%s)", key.Short(), task.Name())
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.CompletionTimeout)
	defer cancel()
	if err := r.exec.Resume(runCtx, task, def, previous); err != nil {
		r.failed.Add(1)
		return err
	}
	return nil
}

// RecoverUserTask resumes the caller's own stale task. Tasks owned by someone
// else are reported as not found.
func (r *Recovery) RecoverUserTask(ctx context.Context, key IdempotencyKey, userID UserID) (*Task, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	rec, err := r.repo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("task %s: %w", key.Short(), ErrTaskNotFound)
	}
	task, err := FromRecord(rec)
	if err != nil {
		return nil, err
	}
	if task.Status() != StatusRunning {
		return nil, &TaskStateError{Op: "recover", From: task.Status(), Allowed: []Status{StatusRunning}}
	}
	if hb := task.LastHeartbeatAt(); !hb.IsZero() && time.Since(hb) < r.cfg.StaleThreshold {
		r.skipped.Add(1)
		return nil, fmt.Errorf("task %s heartbeat %s ago: %w", key.Short(), time.Since(hb).Round(time.Millisecond), ErrTaskAlive)
	}
	if err := r.guard.AcquireRecoverySlot(ctx); err != nil {
		return nil, err
	}
	defer r.guard.ReleaseRecoverySlot()
	if err := r.RecoverStaleTask(ctx, task); err != nil {
		return task, err
	}
	r.user.Add(1)
	return task, nil
}

// HandleDatabaseCheck answers whether a retried request already ran to the
// end. It returns nil when the repository is not ready, nothing matches key,
// the task belongs to another user, or the task has not completed or failed.
func (r *Recovery) HandleDatabaseCheck(ctx context.Context, key IdempotencyKey, userID UserID) (*Replay, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !r.repositoryReady(ctx) {
		return nil, nil
	}
	rec, err := r.repo.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, nil
	}
	if rec.Status != StatusCompleted && rec.Status != StatusFailed {
		return nil, nil
	}
	task, err := FromRecord(rec)
	if err != nil {
		return nil, err
	}
	events, err := r.repo.GetEvents(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load events for task %s: %w", rec.ID, err)
	}
	return &Replay{Task: task, Events: events}, nil
}

// IsTaskAlive reports whether the task heartbeat is fresher than one heartbeat interval.
func (r *Recovery) IsTaskAlive(task *Task) bool {
	hb := task.LastHeartbeatAt()
	return !hb.IsZero() && time.Since(hb) < r.heartbeat
}

func (r *Recovery) repositoryReady(ctx context.Context) bool {
	if rc, ok := r.repo.(ReadinessChecker); ok {
		return rc.Ready()
	}
	return r.repo.HealthCheck(ctx) == nil
}

// StartBackgroundRecovery scans for stale background tasks every
// BackgroundPollInterval. It is idempotent and non-blocking.
func (r *Recovery) StartBackgroundRecovery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.log.Warnf("background recovery already started; ignoring Start()")
		return
	}
	if !r.cfg.Enabled {
		r.log.Infof("background recovery disabled")
		return
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
	r.log.Infof("background recovery started: every %s, stale after %s", r.cfg.BackgroundPollInterval, r.cfg.StaleThreshold)
}

func (r *Recovery) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.cfg.BackgroundPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.RecoverBackgroundTasks(ctx); err != nil && ctx.Err() == nil {
				r.log.Warnf("background recovery: %v", err)
			}
		}
	}
}

// StopBackgroundRecovery stops the scan loop and waits for it to exit.
// Stopping when not running is a no-op.
func (r *Recovery) StopBackgroundRecovery() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	cancel()
	<-done
	r.log.Infof("background recovery stopped")
}

// Stats returns the configuration echo and outcome counters.
func (r *Recovery) Stats() RecoveryStats {
	r.mu.Lock()
	running := r.started
	r.mu.Unlock()
	return RecoveryStats{
		Enabled:                r.cfg.Enabled,
		Running:                running,
		BackgroundPollInterval: r.cfg.BackgroundPollInterval,
		StaleThreshold:         r.cfg.StaleThreshold,
		BatchSize:              r.cfg.BatchSize,
		CompletionTimeout:      r.cfg.CompletionTimeout,
		MaxConcurrent:          r.limit,
		BackgroundRecovered:    r.background.Load(),
		UserRecovered:          r.user.Load(),
		Failed:                 r.failed.Load(),
		Skipped:                r.skipped.Load(),
		SmartRecoveries:        r.smart.Load(),
		ReExecutions:           r.reexec.Load(),
		LastBackgroundScanAt:   msTime(r.lastScan.Load()),
	}
}
