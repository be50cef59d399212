package taskflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/taskflow-go/internal/hctx"
)

// ExecutorStats is a snapshot of executor outcomes.
type ExecutorStats struct {
	Running         int       `json:"running"`
	Completed       int64     `json:"completed"`
	Failed          int64     `json:"failed"`
	Cancelled       int64     `json:"cancelled"`
	Retries         int64     `json:"retries"`
	LastStartedAt   time.Time `json:"last_started_at,omitempty"`
	LastCompletedAt time.Time `json:"last_completed_at,omitempty"`
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithOnComplete registers fn to be called after each task reaches a terminal state.
func WithOnComplete(fn func(*Task)) ExecutorOption {
	return func(e *Executor) { e.onComplete = append(e.onComplete, fn) }
}

// WithOnEvent registers fn to be called with every event after it was
// appended to the log and pushed to the stream.
func WithOnEvent(fn func(TaskEvent)) ExecutorOption {
	return func(e *Executor) { e.onEvent = append(e.onEvent, fn) }
}

// Executor runs task handlers and emits their lifecycle events. Every event
// is appended to the EventLog before it is pushed to the StreamManager.
type Executor struct {
	heartbeat time.Duration
	retry     RetryConfig
	wal       EventLog
	streams   *StreamManager
	log       Logger

	onComplete []func(*Task)
	onEvent    []func(TaskEvent)

	mu      sync.Mutex
	running map[IdempotencyKey]context.CancelCauseFunc

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	retries   atomic.Int64
	lastStart atomic.Int64
	lastDone  atomic.Int64
}

// NewExecutor creates an executor. streams may be nil when nothing observes events live.
func NewExecutor(cfg Config, wal EventLog, streams *StreamManager, log Logger, opts ...ExecutorOption) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		heartbeat: cfg.HeartbeatInterval,
		retry:     cfg.Retry,
		wal:       wal,
		streams:   streams,
		log:       orNoop(log),
		running:   make(map[IdempotencyKey]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runSpec struct {
	handler   Handler
	recovered bool
	reason    string
	previous  []TaskEvent
}

// Execute runs a created task to a terminal state. It returns nil when the
// task completed, and the final error otherwise. A nil def or handler fails
// the task with ErrNoHandler without consuming an attempt.
func (e *Executor) Execute(ctx context.Context, task *Task, def *Definition) error {
	if def == nil || def.Handler == nil {
		return e.rejectMissing(ctx, task)
	}
	if err := task.Start(); err != nil {
		return err
	}
	return e.run(ctx, task, def, runSpec{handler: def.Handler})
}

// Resume drives a task that was left running by a crash. previous is the
// persisted history; it has already been replayed to observers. When def has
// a Recover handler it is used with reason "stale", otherwise Handler runs
// from scratch.
func (e *Executor) Resume(ctx context.Context, task *Task, def *Definition, previous []TaskEvent) error {
	if def == nil || def.Handler == nil {
		return fmt.Errorf("resume task %s (%s): %w", task.ID(), task.Name(), ErrNoHandler)
	}
	if task.Status() != StatusRunning {
		return &TaskStateError{Op: "resume", From: task.Status(), Allowed: []Status{StatusRunning}}
	}
	spec := runSpec{handler: def.Handler, recovered: true, previous: previous}
	if def.Recover != nil {
		spec.handler = def.Recover
		spec.reason = "stale"
	}
	return e.run(ctx, task, def, spec)
}

func (e *Executor) rejectMissing(ctx context.Context, task *Task) error {
	return e.Reject(ctx, task, fmt.Errorf("task %q: %w", task.Name(), ErrNoHandler))
}

// Reject ends a created task that never got to run. An error event carrying
// cause is logged first; the task is then cancelled when cause is ErrAborted
// or a context cancellation, and failed otherwise. No attempt is consumed.
// The event carries the final status and the task snapshot so the task row
// can be materialized without a preceding start event.
func (e *Executor) Reject(ctx context.Context, task *Task, cause error) error {
	final := StatusFailed
	if errors.Is(cause, ErrAborted) || errors.Is(cause, context.Canceled) {
		final = StatusCancelled
	}
	em := &emitter{e: e, task: task}
	ev := newEvent(task, EventError)
	ev.Attempt = task.Attempt()
	ev.MaxAttempts = e.policyFor(task, nil).MaxAttempts
	ev.Retryable = Retryable(cause)
	ev.Message = cause.Error()
	ev.Status = final
	snapshot(&ev, task)
	if err := em.emit(ctx, ev); err != nil {
		_ = task.reject(err)
		e.finish(task)
		return err
	}
	var err error
	if final == StatusCancelled {
		err = task.Cancel(cause.Error())
	} else {
		err = task.reject(cause)
	}
	if err != nil {
		return err
	}
	e.log.Errorf("task %s rejected: %v", task.IdempotencyKey().Short(), cause)
	e.finish(task)
	return cause
}

func (e *Executor) run(ctx context.Context, task *Task, def *Definition, spec runSpec) error {
	key := task.IdempotencyKey()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	if _, busy := e.running[key]; busy {
		e.mu.Unlock()
		return &TaskStateError{Op: "execute", From: StatusRunning, Allowed: []Status{StatusCreated}}
	}
	e.running[key] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, key)
		e.mu.Unlock()
	}()

	policy := e.policyFor(task, def)
	em := &emitter{e: e, task: task, abort: cancel}
	e.lastStart.Store(time.Now().UnixMilli())

	start := newEvent(task, EventStart)
	start.Attempt = task.Attempt()
	start.MaxAttempts = policy.MaxAttempts
	start.Recovered = spec.recovered
	snapshot(&start, task)
	if err := em.emit(runCtx, start); err != nil {
		return e.walFailed(task, err)
	}

	stopHeartbeat := e.startHeartbeat(runCtx, task, em)
	defer stopHeartbeat()

	for {
		attempt := task.Attempt()
		call := &Call{
			Task:      task,
			Attempt:   attempt,
			Recovered: spec.recovered,
			Reason:    spec.reason,
			Previous:  spec.previous,
		}
		call.emit = func(v any) error {
			raw, err := encodeInput(v)
			if err != nil {
				return &ValidationError{Field: "progress", Reason: err.Error()}
			}
			return e.progress(runCtx, em, task, raw)
		}
		st := hctx.New(string(task.ID()), attempt, func(raw []byte) error {
			return e.progress(runCtx, em, task, raw)
		})
		st.Recovered = spec.recovered

		result, err := invoke(hctx.WithState(runCtx, st), spec.handler, call)

		if walErr := em.failure(); walErr != nil {
			stopHeartbeat()
			return e.walFailed(task, walErr)
		}
		if err == nil {
			stopHeartbeat()
			return e.complete(runCtx, task, em, result)
		}
		if runCtx.Err() != nil {
			stopHeartbeat()
			if result != nil {
				return e.complete(runCtx, task, em, result)
			}
			return e.cancel(runCtx, task, em, context.Cause(runCtx))
		}

		if !policy.ShouldRetry(attempt, err) {
			stopHeartbeat()
			return e.fail(runCtx, task, em, policy, err)
		}

		delay := policy.Delay(attempt)
		rev := newEvent(task, EventRetry)
		rev.Attempt = attempt
		rev.MaxAttempts = policy.MaxAttempts
		rev.Retryable = true
		rev.Message = err.Error()
		rev.NextRetryDelayMs = delay.Milliseconds()
		if werr := em.emit(runCtx, rev); werr != nil {
			stopHeartbeat()
			return e.walFailed(task, werr)
		}
		e.retries.Add(1)
		e.log.Warnf("task %s attempt %d/%d failed, retrying in %s: %v", key.Short(), attempt, policy.MaxAttempts, delay, err)

		if serr := sleepCtx(runCtx, delay); serr != nil {
			stopHeartbeat()
			if walErr := em.failure(); walErr != nil {
				return e.walFailed(task, walErr)
			}
			return e.cancel(runCtx, task, em, serr)
		}
		if ierr := task.IncrementAttempt(); ierr != nil {
			stopHeartbeat()
			return ierr
		}
	}
}

// invoke runs h and turns a handler panic into a permanent error.
func invoke(ctx context.Context, h Handler, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Run(ctx, call)
}

func (e *Executor) progress(ctx context.Context, em *emitter, task *Task, raw []byte) error {
	ev := newEvent(task, EventProgress)
	ev.Attempt = task.Attempt()
	ev.Data = raw
	return em.emit(ctx, ev)
}

func (e *Executor) complete(ctx context.Context, task *Task, em *emitter, result any) error {
	if err := task.Complete(result); err != nil {
		return e.fail(ctx, task, em, e.policyFor(task, nil), Permanent(err))
	}
	ev := newEvent(task, EventComplete)
	ev.Status = StatusCompleted
	ev.Attempt = task.Attempt()
	ev.Result = task.Result()
	ev.DurationMs = task.DurationMs()
	if err := em.emit(ctx, ev); err != nil {
		e.log.Errorf("task %s completed but its complete event was not logged: %v", task.IdempotencyKey().Short(), err)
		e.finish(task)
		return err
	}
	e.log.Debugf("task %s completed in %dms", task.IdempotencyKey().Short(), ev.DurationMs)
	e.finish(task)
	return nil
}

func (e *Executor) fail(ctx context.Context, task *Task, em *emitter, policy RetryPolicy, cause error) error {
	ev := newEvent(task, EventError)
	ev.Attempt = task.Attempt()
	ev.MaxAttempts = policy.MaxAttempts
	ev.Retryable = Retryable(cause)
	ev.Message = cause.Error()
	if err := em.emit(ctx, ev); err != nil {
		return e.walFailed(task, err)
	}
	if err := task.Fail(cause); err != nil {
		return err
	}
	done := newEvent(task, EventComplete)
	done.Status = StatusFailed
	done.Attempt = task.Attempt()
	done.Message = task.ErrorMessage()
	done.DurationMs = task.DurationMs()
	if err := em.emit(ctx, done); err != nil {
		e.finish(task)
		return err
	}
	e.log.Errorf("task %s failed after %d attempt(s): %v", task.IdempotencyKey().Short(), task.Attempt(), cause)
	e.finish(task)
	return cause
}

func (e *Executor) cancel(ctx context.Context, task *Task, em *emitter, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	if err := task.Cancel(cause.Error()); err != nil {
		return err
	}
	ev := newEvent(task, EventComplete)
	ev.Status = StatusCancelled
	ev.Attempt = task.Attempt()
	ev.Message = task.ErrorMessage()
	ev.DurationMs = task.DurationMs()
	if err := em.emit(ctx, ev); err != nil {
		e.finish(task)
		return err
	}
	e.log.Infof("task %s cancelled: %v", task.IdempotencyKey().Short(), cause)
	e.finish(task)
	return cause
}

// walFailed fails the task in memory only; nothing more can be logged.
func (e *Executor) walFailed(task *Task, err error) error {
	if task.Status() == StatusRunning {
		_ = task.Fail(err)
	}
	e.log.Errorf("task %s aborted, event log unavailable: %v", task.IdempotencyKey().Short(), err)
	e.finish(task)
	return err
}

func (e *Executor) finish(task *Task) {
	switch task.Status() {
	case StatusCompleted:
		e.completed.Add(1)
	case StatusFailed:
		e.failed.Add(1)
	case StatusCancelled:
		e.cancelled.Add(1)
	}
	e.lastDone.Store(time.Now().UnixMilli())
	for _, fn := range e.onComplete {
		fn(task)
	}
}

func (e *Executor) startHeartbeat(ctx context.Context, task *Task, em *emitter) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(e.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := task.RecordHeartbeat(); err != nil {
					return
				}
				ev := newEvent(task, EventHeartbeat)
				ev.Attempt = task.Attempt()
				if err := em.emit(ctx, ev); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// policyFor resolves the retry policy: definition override, then the task's
// MaxAttempts override.
func (e *Executor) policyFor(task *Task, def *Definition) RetryPolicy {
	cfg := e.retry
	if def != nil && def.Retry != nil {
		cfg = *def.Retry
	}
	if n := task.ExecutionOptions().MaxAttempts; n > 0 {
		cfg.MaxAttempts = n
	}
	return NewRetryPolicy(cfg)
}

// Abort cancels the in-flight run for key with ErrAborted. It reports whether
// a run was found.
func (e *Executor) Abort(key IdempotencyKey) bool {
	e.mu.Lock()
	cancel, ok := e.running[key]
	e.mu.Unlock()
	if ok {
		cancel(ErrAborted)
	}
	return ok
}

// AbortAll cancels every in-flight run and returns how many were signalled.
func (e *Executor) AbortAll() int {
	e.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(e.running))
	for _, c := range e.running {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c(ErrAborted)
	}
	return len(cancels)
}

// IsExecuting reports whether a run for key is in flight.
func (e *Executor) IsExecuting(key IdempotencyKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[key]
	return ok
}

// Stats returns a snapshot of outcome counters.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	n := len(e.running)
	e.mu.Unlock()
	return ExecutorStats{
		Running:         n,
		Completed:       e.completed.Load(),
		Failed:          e.failed.Load(),
		Cancelled:       e.cancelled.Load(),
		Retries:         e.retries.Load(),
		LastStartedAt:   msTime(e.lastStart.Load()),
		LastCompletedAt: msTime(e.lastDone.Load()),
	}
}

// emitter serializes one task's events: append to the log, then push, then
// notify subscribers. After the first append failure every emit fails and
// the run is cancelled with that error.
type emitter struct {
	mu     sync.Mutex
	e      *Executor
	task   *Task
	abort  context.CancelCauseFunc
	walErr error
}

func (em *emitter) emit(ctx context.Context, ev TaskEvent) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.walErr != nil {
		return em.walErr
	}
	if err := em.e.wal.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		em.walErr = fmt.Errorf("append %s event for task %s: %w", ev.Type, ev.TaskID, err)
		if em.abort != nil {
			em.abort(em.walErr)
		}
		return em.walErr
	}
	if em.e.streams != nil {
		pushed, err := em.e.streams.Push(em.task.IdempotencyKey(), ev)
		if err != nil && !errors.Is(err, ErrValidation) {
			em.e.log.Warnf("push %s event for %s: %v", ev.Type, em.task.IdempotencyKey().Short(), err)
		}
		ev = pushed
	}
	for _, fn := range em.e.onEvent {
		fn(ev)
	}
	return nil
}

func (em *emitter) failure() error {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.walErr
}
