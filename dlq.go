package taskflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrDLQRetryLimit is returned when a dead-lettered task has been retried MaxRetries times.
var ErrDLQRetryLimit = errors.New("taskflow: dlq retry limit reached")

// DLQEntry is a dead-lettered task snapshot.
type DLQEntry struct {
	Task       *TaskRecord `json:"task"`
	Reason     string      `json:"reason"`
	AddedAt    time.Time   `json:"added_at"`
	RetryCount int         `json:"retry_count"`
}

// Key returns the entry's idempotency key.
func (e DLQEntry) Key() IdempotencyKey { return e.Task.IdempotencyKey }

// DLQEventType names a DLQ mutation.
type DLQEventType string

const (
	DLQAdded   DLQEventType = "dlq:added"
	DLQRemoved DLQEventType = "dlq:removed"
	DLQRetried DLQEventType = "dlq:retried"
	DLQExpired DLQEventType = "dlq:expired"
	DLQEvicted DLQEventType = "dlq:evicted"
	DLQCleared DLQEventType = "dlq:cleared"
)

// DLQEvent is delivered to OnDLQEvent subscribers after every mutation.
type DLQEvent struct {
	Type DLQEventType
	Key  IdempotencyKey
	// Entry is a copy of the affected entry; nil for DLQCleared.
	Entry *DLQEntry
	At    time.Time
}

// DLQStats summarizes the dead-letter queue.
type DLQStats struct {
	Size    int       `json:"size"`
	MaxSize int       `json:"max_size"`
	Oldest  time.Time `json:"oldest,omitempty"`
	Added   int64     `json:"added"`
	Removed int64     `json:"removed"`
	Retried int64     `json:"retried"`
	Expired int64     `json:"expired"`
	Evicted int64     `json:"evicted"`
}

type dlqCounters struct {
	added, removed, retried, expired, evicted int64
}

// OnDLQEvent subscribes fn to DLQ mutations. Callbacks run after the guard
// lock is released. The returned func unsubscribes.
func (g *Guard) OnDLQEvent(fn func(DLQEvent)) (unsubscribe func()) {
	g.subsMu.Lock()
	g.nextSub++
	id := g.nextSub
	g.subs[id] = fn
	g.subsMu.Unlock()
	return func() {
		g.subsMu.Lock()
		delete(g.subs, id)
		g.subsMu.Unlock()
	}
}

func (g *Guard) fire(evs ...DLQEvent) {
	if len(evs) == 0 {
		return
	}
	g.subsMu.Lock()
	fns := make([]func(DLQEvent), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subsMu.Unlock()
	for _, ev := range evs {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func dlqEvent(typ DLQEventType, e *DLQEntry, at time.Time) DLQEvent {
	cp := *e
	return DLQEvent{Type: typ, Key: e.Key(), Entry: &cp, At: at}
}

// AddToDLQ dead-letters a snapshot of task. Adding a key that is already
// present refreshes its snapshot and reason. A full DLQ evicts its oldest entry.
func (g *Guard) AddToDLQ(task *Task, reason string) error {
	rec := task.Record()
	if err := rec.IdempotencyKey.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	now := g.now()
	entry := &DLQEntry{Task: rec, Reason: reason, AddedAt: now, RetryCount: g.dlqRetries[rec.IdempotencyKey]}
	if prev, ok := g.dlq.Get(rec.IdempotencyKey); ok {
		entry.AddedAt = prev.AddedAt
	}
	_, old, evicted := g.dlq.Put(rec.IdempotencyKey, entry)
	g.dlqCounts.added++
	evs := []DLQEvent{dlqEvent(DLQAdded, entry, now)}
	if evicted {
		g.dlqCounts.evicted++
		evs = append(evs, dlqEvent(DLQEvicted, old, now))
	}
	g.mu.Unlock()

	if evicted {
		g.log.Warnf("dlq full (max=%d); evicted %s", g.cfg.DLQ.MaxSize, old.Key().Short())
	}
	g.log.Infof("task %s dead-lettered: %s", rec.IdempotencyKey.Short(), reason)
	g.fire(evs...)
	return nil
}

// RemoveFromDLQ drops the entry for key. It reports whether one was present.
func (g *Guard) RemoveFromDLQ(key IdempotencyKey) bool {
	g.mu.Lock()
	now := g.now()
	e, ok := g.liveEntryLocked(key, now)
	if ok {
		g.dlq.Delete(key)
		g.dlqCounts.removed++
	}
	g.mu.Unlock()
	if ok {
		g.fire(dlqEvent(DLQRemoved, e, now))
	}
	return ok
}

// RetryFromDLQ resets the dead-lettered task to created and removes it from
// the DLQ. The returned task must be resubmitted by the caller.
func (g *Guard) RetryFromDLQ(key IdempotencyKey) (*Task, error) {
	g.mu.Lock()
	now := g.now()
	t, ev, err := g.retryLocked(key, now)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	g.fire(ev)
	return t, nil
}

func (g *Guard) retryLocked(key IdempotencyKey, now time.Time) (*Task, DLQEvent, error) {
	e, ok := g.liveEntryLocked(key, now)
	if !ok {
		return nil, DLQEvent{}, fmt.Errorf("dlq entry %s: %w", key.Short(), ErrTaskNotFound)
	}
	if limit := g.cfg.DLQ.MaxRetries; limit > 0 && e.RetryCount >= limit {
		return nil, DLQEvent{}, fmt.Errorf("dlq entry %s retried %d times: %w", key.Short(), e.RetryCount, ErrDLQRetryLimit)
	}
	t, err := FromRecord(e.Task)
	if err != nil {
		return nil, DLQEvent{}, err
	}
	if err := t.ResetToPending(); err != nil {
		return nil, DLQEvent{}, err
	}
	g.dlq.Delete(key)
	g.dlqRetries[key] = e.RetryCount + 1
	g.dlqCounts.retried++
	return t, dlqEvent(DLQRetried, e, now), nil
}

// RetryAllFromDLQ retries every entry. Entries that cannot be retried stay
// in the DLQ and their errors are joined.
func (g *Guard) RetryAllFromDLQ() ([]*Task, error) {
	return g.RetryDLQWithFilter(func(DLQEntry) bool { return true })
}

// RetryDLQWithFilter retries the entries selected by keep.
func (g *Guard) RetryDLQWithFilter(keep func(DLQEntry) bool) ([]*Task, error) {
	g.mu.Lock()
	now := g.now()
	expired := g.expireLocked(now)
	var keys []IdempotencyKey
	for k, e := range g.dlq.All() {
		if keep(*e) {
			keys = append(keys, k)
		}
	}
	var (
		tasks []*Task
		evs   = expired
		errs  []error
	)
	for _, k := range keys {
		t, ev, err := g.retryLocked(k, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tasks = append(tasks, t)
		evs = append(evs, ev)
	}
	g.mu.Unlock()
	g.fire(evs...)
	return tasks, errors.Join(errs...)
}

// DLQEntry returns a copy of the entry for key.
func (g *Guard) DLQEntry(key IdempotencyKey) (DLQEntry, bool) {
	g.mu.Lock()
	now := g.now()
	expired := g.expireLocked(now)
	e, ok := g.dlq.Get(key)
	g.mu.Unlock()
	g.fire(expired...)
	if !ok {
		return DLQEntry{}, false
	}
	return *e, true
}

// DLQEntries lists entries oldest first.
func (g *Guard) DLQEntries() []DLQEntry {
	g.mu.Lock()
	expired := g.expireLocked(g.now())
	out := make([]DLQEntry, 0, g.dlq.Len())
	for _, e := range g.dlq.All() {
		out = append(out, *e)
	}
	g.mu.Unlock()
	g.fire(expired...)
	return out
}

// DLQStats summarizes the DLQ.
func (g *Guard) DLQStats() DLQStats {
	g.mu.Lock()
	expired := g.expireLocked(g.now())
	st := g.dlqStatsLocked()
	g.mu.Unlock()
	g.fire(expired...)
	return st
}

func (g *Guard) dlqStatsLocked() DLQStats {
	st := DLQStats{
		Size:    g.dlq.Len(),
		MaxSize: g.cfg.DLQ.MaxSize,
		Added:   g.dlqCounts.added,
		Removed: g.dlqCounts.removed,
		Retried: g.dlqCounts.retried,
		Expired: g.dlqCounts.expired,
		Evicted: g.dlqCounts.evicted,
	}
	if _, e, ok := g.dlq.Oldest(); ok {
		st.Oldest = e.AddedAt
	}
	return st
}

// ExpireDLQ drops entries older than the TTL and returns how many expired.
func (g *Guard) ExpireDLQ() int {
	g.mu.Lock()
	expired := g.expireLocked(g.now())
	g.mu.Unlock()
	g.fire(expired...)
	return len(expired)
}

func (g *Guard) expireLocked(now time.Time) []DLQEvent {
	ttl := g.cfg.DLQ.TTL
	if ttl <= 0 {
		return nil
	}
	var evs []DLQEvent
	for {
		k, e, ok := g.dlq.Oldest()
		if !ok || now.Sub(e.AddedAt) < ttl {
			break
		}
		g.dlq.Delete(k)
		g.dlqCounts.expired++
		evs = append(evs, dlqEvent(DLQExpired, e, now))
	}
	return evs
}

// liveEntryLocked returns the entry for key unless it has outlived the TTL.
// An expired entry is left for the next sweep.
func (g *Guard) liveEntryLocked(key IdempotencyKey, now time.Time) (*DLQEntry, bool) {
	e, ok := g.dlq.Get(key)
	if !ok {
		return nil, false
	}
	if ttl := g.cfg.DLQ.TTL; ttl > 0 && now.Sub(e.AddedAt) >= ttl {
		return nil, false
	}
	return e, true
}
