package taskflow

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/UniQw/taskflow-go/internal/ring"
)

type slotHold struct {
	user     UserID
	template TaskName
}

type slotWaiter struct {
	id       TaskID
	key      IdempotencyKey
	user     UserID
	template TaskName
	limit    int
	ch       chan struct{}
	granted  bool
	err      error
}

type recoveryWaiter struct {
	ch      chan struct{}
	granted bool
	err     error
}

// Guard arbitrates admission, execution slots, the dead-letter queue and the
// recovery-slot pool. All check-and-increment pairs run under one mutex.
type Guard struct {
	mu  sync.Mutex
	cfg GuardConfig
	log Logger
	now func() time.Time

	windowGlobal []time.Time
	windowUser   map[UserID][]time.Time
	queued       map[TaskID]struct{}

	running     int
	perUser     map[UserID]int
	perTemplate map[TaskName]int
	held        map[TaskID]slotHold
	waiters     *list.List

	recoveryInUse   int
	recoveryWaiters *list.List

	dlq        *ring.Buffer[IdempotencyKey, *DLQEntry]
	dlqRetries map[IdempotencyKey]int
	dlqCounts  dlqCounters
	subsMu     sync.Mutex
	subs       map[uint64]func(DLQEvent)
	nextSub    uint64

	shutdown bool
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// AdmissionStats describes the sliding windows and the queue.
type AdmissionStats struct {
	WindowCount int `json:"window_count"`
	WindowUsers int `json:"window_users"`
	Queued      int `json:"queued"`
}

// SlotStats describes execution slot usage.
type SlotStats struct {
	Running     int              `json:"running"`
	PerUser     map[UserID]int   `json:"per_user"`
	PerTemplate map[TaskName]int `json:"per_template"`
	Waiting     int              `json:"waiting"`
}

// RecoverySlotStats describes the recovery pool.
type RecoverySlotStats struct {
	InUse   int `json:"in_use"`
	Max     int `json:"max"`
	Waiting int `json:"waiting"`
}

// GuardStats is a consolidated snapshot of the guard.
type GuardStats struct {
	Admission AdmissionStats    `json:"admission"`
	Slots     SlotStats         `json:"slots"`
	DLQ       DLQStats          `json:"dlq"`
	Recovery  RecoverySlotStats `json:"recovery"`
}

// NewGuard creates a guard. Call Start to run the DLQ expiry sweep.
func NewGuard(cfg GuardConfig, log Logger) *Guard {
	d := DefaultConfig().Guard
	if cfg.Backpressure.Window <= 0 {
		cfg.Backpressure.Window = d.Backpressure.Window
	}
	if cfg.Slots.SlotTimeout <= 0 {
		cfg.Slots.SlotTimeout = d.Slots.SlotTimeout
	}
	if cfg.DLQ.MaxSize <= 0 {
		cfg.DLQ.MaxSize = d.DLQ.MaxSize
	}
	if cfg.DLQ.CleanupInterval <= 0 {
		cfg.DLQ.CleanupInterval = d.DLQ.CleanupInterval
	}
	if cfg.Recovery.MaxRecoverySlots <= 0 {
		cfg.Recovery.MaxRecoverySlots = d.Recovery.MaxRecoverySlots
	}
	g := &Guard{
		cfg:  cfg,
		log:  orNoop(log),
		now:  time.Now,
		subs: make(map[uint64]func(DLQEvent)),
	}
	g.resetLocked()
	return g
}

// resetLocked must be called with g.mu held (or before g is shared).
func (g *Guard) resetLocked() {
	g.windowGlobal = nil
	g.windowUser = make(map[UserID][]time.Time)
	g.queued = make(map[TaskID]struct{})
	g.running = 0
	g.perUser = make(map[UserID]int)
	g.perTemplate = make(map[TaskName]int)
	g.held = make(map[TaskID]slotHold)
	if g.waiters == nil {
		g.waiters = list.New()
	}
	if g.recoveryWaiters == nil {
		g.recoveryWaiters = list.New()
	}
	g.recoveryInUse = 0
	g.dlq = ring.New[IdempotencyKey, *DLQEntry](g.cfg.DLQ.MaxSize)
	g.dlqRetries = make(map[IdempotencyKey]int)
}

// Start launches the DLQ expiry sweep. It is idempotent and non-blocking.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		g.log.Warnf("guard already started; ignoring Start()")
		return
	}
	g.started = true
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	go g.sweep(g.stopCh, g.doneCh, g.cfg.DLQ.CleanupInterval)
}

func (g *Guard) sweep(stop <-chan struct{}, done chan<- struct{}, every time.Duration) {
	defer close(done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if n := g.ExpireDLQ(); n > 0 {
				g.log.Debugf("dlq sweep expired %d entries", n)
			}
		}
	}
}

func (g *Guard) stopSweep() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	stop, done := g.stopCh, g.doneCh
	g.mu.Unlock()
	close(stop)
	<-done
}

// AcceptTask admits task through the sliding windows and the bounded queue.
// A task whose key is dead-lettered is rejected until retried from the DLQ.
func (g *Guard) AcceptTask(task *Task) error {
	key := task.IdempotencyKey()
	if err := key.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return ErrGuardShutdown
	}
	now := g.now()
	if _, ok := g.liveEntryLocked(key, now); ok {
		return &ValidationError{Field: "idempotency key", Reason: "task " + key.Short() + " is in the dead-letter queue; retry it from the DLQ first"}
	}

	bp := g.cfg.Backpressure
	cutoff := now.Add(-bp.Window)
	g.windowGlobal = prune(g.windowGlobal, cutoff)
	user := task.UserID()
	var userWin []time.Time
	if !user.IsZero() {
		userWin = prune(g.windowUser[user], cutoff)
		if len(userWin) == 0 {
			delete(g.windowUser, user)
		} else {
			g.windowUser[user] = userWin
		}
	}

	if bp.MaxTasksPerWindow > 0 && len(g.windowGlobal) >= bp.MaxTasksPerWindow {
		return &BackpressureError{Reason: "global admission window full", Limit: bp.MaxTasksPerWindow, RetryAfter: g.windowGlobal[0].Add(bp.Window).Sub(now)}
	}
	if !user.IsZero() && bp.MaxTasksPerUserWindow > 0 && len(userWin) >= bp.MaxTasksPerUserWindow {
		return &BackpressureError{Reason: "user admission window full", Limit: bp.MaxTasksPerUserWindow, RetryAfter: userWin[0].Add(bp.Window).Sub(now)}
	}
	if bp.MaxQueuedSize > 0 && len(g.queued) >= bp.MaxQueuedSize {
		return &BackpressureError{Reason: "queue full", Limit: bp.MaxQueuedSize}
	}

	g.windowGlobal = append(g.windowGlobal, now)
	if !user.IsZero() {
		g.windowUser[user] = append(userWin, now)
	}
	g.queued[task.ID()] = struct{}{}
	return nil
}

// prune drops timestamps at or before cutoff. Timestamps are in ascending order.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

// AcquireExecutionSlot takes a slot for task, waiting in FIFO order when a
// ceiling is reached. It fails with *SlotTimeoutError after SlotTimeout, with
// the context cause when ctx ends first, or with ErrGuardShutdown.
func (g *Guard) AcquireExecutionSlot(ctx context.Context, task *Task) error {
	w := &slotWaiter{
		id:       task.ID(),
		key:      task.IdempotencyKey(),
		user:     task.UserID(),
		template: task.Name(),
		limit:    g.templateLimit(task),
		ch:       make(chan struct{}),
	}
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return ErrGuardShutdown
	}
	if _, ok := g.held[w.id]; ok {
		g.mu.Unlock()
		return nil
	}
	if g.fitsLocked(w) {
		g.grantLocked(w)
		g.mu.Unlock()
		return nil
	}
	elem := g.waiters.PushBack(w)
	g.mu.Unlock()

	timer := time.NewTimer(g.cfg.Slots.SlotTimeout)
	defer timer.Stop()

	var failure error
	select {
	case <-w.ch:
	case <-timer.C:
		failure = &SlotTimeoutError{Key: w.key, Timeout: g.cfg.Slots.SlotTimeout}
	case <-ctx.Done():
		failure = context.Cause(ctx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if w.granted {
		return nil
	}
	if w.err != nil {
		return w.err
	}
	g.waiters.Remove(elem)
	delete(g.queued, w.id)
	return failure
}

func (g *Guard) templateLimit(task *Task) int {
	if n := task.ExecutionOptions().MaxConcurrentExecutions; n > 0 {
		return n
	}
	return g.cfg.Slots.MaxExecutionPerTemplate
}

// fitsLocked must be called with g.mu held. Empty user ids skip the per-user ceiling.
func (g *Guard) fitsLocked(w *slotWaiter) bool {
	s := g.cfg.Slots
	if s.MaxExecutionGlobal > 0 && g.running >= s.MaxExecutionGlobal {
		return false
	}
	if !w.user.IsZero() && s.MaxExecutionPerUser > 0 && g.perUser[w.user] >= s.MaxExecutionPerUser {
		return false
	}
	if w.limit > 0 && g.perTemplate[w.template] >= w.limit {
		return false
	}
	return true
}

func (g *Guard) grantLocked(w *slotWaiter) {
	g.running++
	if !w.user.IsZero() {
		g.perUser[w.user]++
	}
	g.perTemplate[w.template]++
	g.held[w.id] = slotHold{user: w.user, template: w.template}
	delete(g.queued, w.id)
	w.granted = true
	close(w.ch)
}

// ReleaseExecutionSlot returns task's slot and wakes the first waiters that fit.
// Releasing a slot that is not held is a no-op.
func (g *Guard) ReleaseExecutionSlot(task *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.held[task.ID()]
	if !ok {
		return
	}
	delete(g.held, task.ID())
	g.running = decFloor(g.running)
	if !h.user.IsZero() {
		if n := decFloor(g.perUser[h.user]); n == 0 {
			delete(g.perUser, h.user)
		} else {
			g.perUser[h.user] = n
		}
	}
	if n := decFloor(g.perTemplate[h.template]); n == 0 {
		delete(g.perTemplate, h.template)
	} else {
		g.perTemplate[h.template] = n
	}
	g.pumpLocked()
}

// pumpLocked grants queued waiters, oldest first, while they fit.
func (g *Guard) pumpLocked() {
	for e := g.waiters.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*slotWaiter)
		if g.fitsLocked(w) {
			g.waiters.Remove(e)
			g.grantLocked(w)
		}
		e = next
	}
}

func decFloor(n int) int {
	if n <= 1 {
		return 0
	}
	return n - 1
}

// AcquireRecoverySlot takes a slot from the recovery pool. When the pool is
// exhausted it waits up to RecoverySlotTimeout (zero fails at once) and then
// fails with *BackpressureError.
func (g *Guard) AcquireRecoverySlot(ctx context.Context) error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return ErrGuardShutdown
	}
	limit := g.cfg.Recovery.MaxRecoverySlots
	if g.recoveryInUse < limit {
		g.recoveryInUse++
		g.mu.Unlock()
		return nil
	}
	timeout := g.cfg.Recovery.RecoverySlotTimeout
	if timeout <= 0 {
		g.mu.Unlock()
		return &BackpressureError{Reason: "recovery slots exhausted", Limit: limit}
	}
	w := &recoveryWaiter{ch: make(chan struct{})}
	elem := g.recoveryWaiters.PushBack(w)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var failure error
	select {
	case <-w.ch:
	case <-timer.C:
		failure = &BackpressureError{Reason: "recovery slots exhausted", Limit: limit, RetryAfter: timeout}
	case <-ctx.Done():
		failure = context.Cause(ctx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if w.granted {
		return nil
	}
	if w.err != nil {
		return w.err
	}
	g.recoveryWaiters.Remove(elem)
	return failure
}

// ReleaseRecoverySlot returns a recovery slot, handing it to the oldest waiter
// if any. It never drops below zero.
func (g *Guard) ReleaseRecoverySlot() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recoveryInUse == 0 {
		return
	}
	if e := g.recoveryWaiters.Front(); e != nil {
		g.recoveryWaiters.Remove(e)
		w := e.Value.(*recoveryWaiter)
		w.granted = true
		close(w.ch)
		return
	}
	g.recoveryInUse--
}

// Stats returns a consolidated snapshot.
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	now := g.now()
	st := GuardStats{
		Admission: AdmissionStats{
			WindowCount: len(prune(g.windowGlobal, now.Add(-g.cfg.Backpressure.Window))),
			WindowUsers: len(g.windowUser),
			Queued:      len(g.queued),
		},
		Slots: SlotStats{
			Running:     g.running,
			PerUser:     make(map[UserID]int, len(g.perUser)),
			PerTemplate: make(map[TaskName]int, len(g.perTemplate)),
			Waiting:     g.waiters.Len(),
		},
		Recovery: RecoverySlotStats{
			InUse:   g.recoveryInUse,
			Max:     g.cfg.Recovery.MaxRecoverySlots,
			Waiting: g.recoveryWaiters.Len(),
		},
	}
	for u, n := range g.perUser {
		st.Slots.PerUser[u] = n
	}
	for t, n := range g.perTemplate {
		st.Slots.PerTemplate[t] = n
	}
	st.DLQ = g.dlqStatsLocked()
	g.mu.Unlock()
	return st
}

// Clear resets counters, queues and the DLQ. Slot waiters are re-evaluated
// against the emptied counters.
func (g *Guard) Clear() {
	g.mu.Lock()
	hadDLQ := g.dlq.Len() > 0
	g.resetLocked()
	g.pumpLocked()
	for e := g.recoveryWaiters.Front(); e != nil && g.recoveryInUse < g.cfg.Recovery.MaxRecoverySlots; e = g.recoveryWaiters.Front() {
		g.recoveryWaiters.Remove(e)
		w := e.Value.(*recoveryWaiter)
		g.recoveryInUse++
		w.granted = true
		close(w.ch)
	}
	g.mu.Unlock()
	if hadDLQ {
		g.fire(DLQEvent{Type: DLQCleared, At: g.now()})
	}
}

// Shutdown stops the sweep, fails every waiter with ErrGuardShutdown and
// resets all state. Later acquisitions fail with ErrGuardShutdown.
func (g *Guard) Shutdown() {
	g.stopSweep()
	g.mu.Lock()
	g.shutdown = true
	for e := g.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*slotWaiter)
		w.err = ErrGuardShutdown
		close(w.ch)
	}
	g.waiters.Init()
	for e := g.recoveryWaiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*recoveryWaiter)
		w.err = ErrGuardShutdown
		close(w.ch)
	}
	g.recoveryWaiters.Init()
	hadDLQ := g.dlq.Len() > 0
	g.resetLocked()
	g.mu.Unlock()
	if hadDLQ {
		g.fire(DLQEvent{Type: DLQCleared, At: g.now()})
	}
	g.log.Infof("guard shut down")
}
