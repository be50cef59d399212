package taskflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/UniQw/taskflow-go/internal/ring"
	"golang.org/x/sync/errgroup"
)

// ErrEngineStopped is returned by Submit once Stop has been called.
var ErrEngineStopped = errors.New("taskflow: engine stopped")

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	wal       EventLog
	autoDLQ   bool
	noBreaker bool
	noLoop    bool
}

// WithEventLog sets the write-ahead log. By default the repository is used
// when it also implements EventLog.
func WithEventLog(wal EventLog) EngineOption {
	return func(o *engineOptions) { o.wal = wal }
}

// WithAutoDeadLetter dead-letters every task that ends failed.
func WithAutoDeadLetter() EngineOption {
	return func(o *engineOptions) { o.autoDLQ = true }
}

// WithoutBreaker talks to the repository directly instead of through a BreakerRepository.
func WithoutBreaker() EngineOption {
	return func(o *engineOptions) { o.noBreaker = true }
}

// WithoutRecoveryLoop keeps Start from launching the periodic background
// scan. Recovery itself stays usable through Engine.Recovery.
func WithoutRecoveryLoop() EngineOption {
	return func(o *engineOptions) { o.noLoop = true }
}

// EngineStats is a consolidated snapshot of every component.
type EngineStats struct {
	InFlight int            `json:"in_flight"`
	Executor ExecutorStats  `json:"executor"`
	Guard    GuardStats     `json:"guard"`
	Streams  StreamStats    `json:"streams"`
	Recovery RecoveryStats  `json:"recovery"`
	Flusher  FlusherStats   `json:"flusher"`
	Breaker  string         `json:"breaker,omitempty"`
	Log      *EventLogStats `json:"log,omitempty"`
}

type submission struct {
	task   *Task
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Engine ties the components together: a submitted task is admitted by the
// Guard, gets a stream, waits for an execution slot, runs on the Executor
// and has its stream closed once terminal.
type Engine struct {
	cfg      Config
	registry *Registry
	repo     TaskRepository
	breaker  *BreakerRepository
	wal      EventLog
	log      Logger
	autoDLQ  bool
	noLoop   bool

	streams  *StreamManager
	guard    *Guard
	exec     *Executor
	recovery *Recovery
	flusher  *Flusher

	mu       sync.Mutex
	started  bool
	stopped  bool
	base     context.Context
	stopBase context.CancelCauseFunc
	inflight map[IdempotencyKey]*submission
	finished *ring.Buffer[IdempotencyKey, *submission]
	wg       sync.WaitGroup
}

// NewEngine builds an engine over repo. Without WithEventLog, repo must also
// implement EventLog.
func NewEngine(cfg Config, registry *Registry, log Logger, repo TaskRepository, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, &ValidationError{Field: "registry", Reason: "nil"}
	}
	if repo == nil {
		return nil, &ValidationError{Field: "repository", Reason: "nil"}
	}
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.wal == nil {
		wal, ok := repo.(EventLog)
		if !ok {
			return nil, &ValidationError{Field: "event log", Reason: "repository does not implement EventLog; use WithEventLog"}
		}
		o.wal = wal
	}
	cfg = cfg.withDefaults()
	l := orNoop(log)

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		repo:     repo,
		wal:      o.wal,
		log:      l,
		autoDLQ:  o.autoDLQ,
		noLoop:   o.noLoop,
		inflight: make(map[IdempotencyKey]*submission),
		finished: ring.New[IdempotencyKey, *submission](cfg.Stream.MaxStreams),
	}
	if !o.noBreaker {
		e.breaker = NewBreakerRepository(repo, cfg.Breaker, l)
		e.repo = e.breaker
	}
	e.base, e.stopBase = context.WithCancelCause(context.Background())

	e.streams = NewStreamManager(cfg.Stream, l)
	e.guard = NewGuard(cfg.Guard, l)
	e.exec = NewExecutor(cfg, e.wal, e.streams, l, WithOnComplete(e.onComplete))
	e.recovery = NewRecovery(cfg, e.repo, e.guard, e.exec, e.streams, registry, l)
	e.flusher = NewFlusher(cfg.Flush, e.wal, e.repo, l)
	return e, nil
}

// Streams returns the engine's stream manager.
func (e *Engine) Streams() *StreamManager { return e.streams }

// Guard returns the engine's guard.
func (e *Engine) Guard() *Guard { return e.guard }

// Recovery returns the engine's recovery component.
func (e *Engine) Recovery() *Recovery { return e.recovery }

// Flusher returns the engine's log flusher.
func (e *Engine) Flusher() *Flusher { return e.flusher }

// Start initializes storage and launches the DLQ sweep, the flusher and
// background recovery. It is idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		e.log.Warnf("engine already started; ignoring Start()")
		return nil
	}
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	e.started = true
	e.mu.Unlock()

	if err := e.wal.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize event log: %w", err)
	}
	if err := e.repo.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	e.log.Infof("starting engine: handlers=%d slots=%d recovery=%t",
		len(e.registry.Names()), e.cfg.Guard.Slots.MaxExecutionGlobal, e.cfg.Recovery.Enabled)
	e.guard.Start()
	e.flusher.Start()
	if !e.noLoop {
		e.recovery.StartBackgroundRecovery()
	}
	return nil
}

// Stop stops background recovery, aborts in-flight tasks, waits for them to
// settle, shuts the Guard down and flushes the log one last time. Submit
// fails with ErrEngineStopped afterwards.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.log.Warnf("engine already stopped; ignoring Stop()")
		return nil
	}
	e.stopped = true
	e.mu.Unlock()
	e.log.Infof("stopping engine")

	var g errgroup.Group
	g.Go(func() error {
		e.recovery.StopBackgroundRecovery()
		return nil
	})
	g.Go(func() error {
		e.stopBase(ErrAborted)
		e.exec.AbortAll()
		return e.waitRuns(ctx)
	})
	err := g.Wait()
	e.guard.Shutdown()
	e.streams.ClearAll()
	if ferr := e.flusher.Stop(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	} else if _, ferr := e.flusher.Flush(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	}
	return err
}

func (e *Engine) waitRuns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight tasks: %w", context.Cause(ctx))
	}
}

// Close stops the engine and closes storage.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Stop(ctx)
	if cerr := e.repo.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if any(e.wal) != any(unwrapRepo(e.repo)) {
		if cerr := e.wal.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func unwrapRepo(r TaskRepository) TaskRepository {
	if b, ok := r.(*BreakerRepository); ok {
		return b.repo
	}
	return r
}

// Submit builds a task and starts it asynchronously. A submission whose
// idempotency key is already in flight returns the in-flight task instead.
// Admission errors (*BackpressureError, *ValidationError) are returned as is.
func (e *Engine) Submit(ctx context.Context, name TaskName, input any, userID UserID, opts ...TaskOption) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task, err := NewTask(name, input, userID, opts...)
	if err != nil {
		return nil, err
	}
	return e.submit(task)
}

func (e *Engine) submit(task *Task) (*Task, error) {
	key := task.IdempotencyKey()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrEngineStopped
	}
	if s, ok := e.inflight[key]; ok {
		e.log.Debugf("task %s already in flight; deduplicated", key.Short())
		return s.task, nil
	}
	if err := e.guard.AcceptTask(task); err != nil {
		return nil, err
	}
	if err := e.streams.GetOrCreate(key); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancelCause(e.base)
	s := &submission{task: task, cancel: cancel, done: make(chan struct{})}
	e.inflight[key] = s
	e.wg.Add(1)
	go e.drive(runCtx, s)
	return task, nil
}

func (e *Engine) drive(ctx context.Context, s *submission) {
	defer e.wg.Done()
	task := s.task
	key := task.IdempotencyKey()

	err := e.guard.AcquireExecutionSlot(ctx, task)
	if err != nil {
		err = e.exec.Reject(context.WithoutCancel(ctx), task, err)
	} else {
		def, _ := e.registry.Lookup(task.Name())
		err = e.exec.Execute(ctx, task, def)
		e.guard.ReleaseExecutionSlot(task)
	}
	_ = e.streams.Close(key)

	e.mu.Lock()
	delete(e.inflight, key)
	s.err = err
	e.finished.Put(key, s)
	e.mu.Unlock()
	s.cancel(nil)
	close(s.done)
}

func (e *Engine) onComplete(task *Task) {
	if !e.autoDLQ || task.Status() != StatusFailed {
		return
	}
	if err := e.guard.AddToDLQ(task, task.ErrorMessage()); err != nil {
		e.log.Warnf("dead-letter task %s: %v", task.IdempotencyKey().Short(), err)
	}
}

// Events streams the events of the task with key; see StreamManager.Events.
func (e *Engine) Events(ctx context.Context, key IdempotencyKey, opts ...EventsOption) iter.Seq2[TaskEvent, error] {
	return e.streams.Events(ctx, key, opts...)
}

// Abort cancels the submission for key whether it is still waiting for a
// slot or already running. It reports whether one was found.
func (e *Engine) Abort(key IdempotencyKey) bool {
	e.mu.Lock()
	s, ok := e.inflight[key]
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel(ErrAborted)
	return true
}

// Wait blocks until the submission for key settles and returns its task and
// final error. Recently finished submissions are answered from memory;
// anything else yields ErrTaskNotFound.
func (e *Engine) Wait(ctx context.Context, key IdempotencyKey) (*Task, error) {
	e.mu.Lock()
	s, ok := e.inflight[key]
	if !ok {
		s, ok = e.finished.Get(key)
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", key.Short(), ErrTaskNotFound)
	}
	select {
	case <-s.done:
		return s.task, s.err
	case <-ctx.Done():
		return s.task, context.Cause(ctx)
	}
}

// RetryDeadLetter takes key out of the DLQ and submits it again with a fresh
// attempt budget.
func (e *Engine) RetryDeadLetter(ctx context.Context, key IdempotencyKey) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task, err := e.guard.RetryFromDLQ(key)
	if err != nil {
		return nil, err
	}
	return e.submit(task)
}

// Replay serves a finished task and its history from the repository; see
// Recovery.HandleDatabaseCheck.
func (e *Engine) Replay(ctx context.Context, key IdempotencyKey, userID UserID) (*Replay, error) {
	return e.recovery.HandleDatabaseCheck(ctx, key, userID)
}

// ResumeUserTask resumes the caller's own stale task; see Recovery.RecoverUserTask.
func (e *Engine) ResumeUserTask(ctx context.Context, key IdempotencyKey, userID UserID) (*Task, error) {
	return e.recovery.RecoverUserTask(ctx, key, userID)
}

// Stats returns a snapshot of every component. Log stats are omitted when
// the log cannot be read.
func (e *Engine) Stats(ctx context.Context) EngineStats {
	e.mu.Lock()
	n := len(e.inflight)
	e.mu.Unlock()
	st := EngineStats{
		InFlight: n,
		Executor: e.exec.Stats(),
		Guard:    e.guard.Stats(),
		Streams:  e.streams.Stats(),
		Recovery: e.recovery.Stats(),
		Flusher:  e.flusher.Stats(),
	}
	if e.breaker != nil {
		st.Breaker = e.breaker.State()
	}
	if ls, err := e.wal.Stats(ctx); err == nil {
		st.Log = &ls
	}
	return st
}
