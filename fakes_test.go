package taskflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memLog is an in-memory EventLog for tests.
type memLog struct {
	mu         sync.Mutex
	entries    []LogEntry
	ids        map[EventID]struct{}
	checkpoint int64
	// failOn makes AppendEvent fail for events of that type.
	failOn EventType
	// onAppend runs before the append is recorded.
	onAppend func(TaskEvent)
}

var (
	errLogDown       = errors.New("log unavailable")
	errTestTransient = errors.New("ECONNRESET")
)

func newMemLog() *memLog { return &memLog{ids: make(map[EventID]struct{})} }

func (l *memLog) Initialize(context.Context) error { return nil }

func (l *memLog) AppendEvent(_ context.Context, ev TaskEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failOn != "" && ev.Type == l.failOn {
		return errLogDown
	}
	if l.onAppend != nil {
		l.onAppend(ev)
	}
	if _, dup := l.ids[ev.ID]; dup {
		return nil
	}
	l.ids[ev.ID] = struct{}{}
	l.entries = append(l.entries, LogEntry{Offset: int64(len(l.entries) + 1), Event: ev})
	return nil
}

func (l *memLog) ReadEntriesFromCheckpoint(_ context.Context, checkpoint int64, limit int) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.Offset <= checkpoint {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *memLog) Checkpoint(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint, nil
}

func (l *memLog) SetCheckpoint(_ context.Context, offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkpoint = offset
	return nil
}

func (l *memLog) Stats(context.Context) (EventLogStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := int64(len(l.entries))
	return EventLogStats{Entries: last, LastOffset: last, Checkpoint: l.checkpoint, Pending: last - l.checkpoint}, nil
}

func (l *memLog) Close() error { return nil }

func (l *memLog) has(id EventID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

func (l *memLog) types(task TaskID) []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventType
	for _, e := range l.entries {
		if e.Event.TaskID == task {
			out = append(out, e.Event.Type)
		}
	}
	return out
}

func (l *memLog) events(task TaskID, typ EventType) []TaskEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []TaskEvent
	for _, e := range l.entries {
		if e.Event.TaskID == task && e.Event.Type == typ {
			out = append(out, e.Event)
		}
	}
	return out
}

// memRepo is an in-memory TaskRepository for tests.
type memRepo struct {
	mu      sync.Mutex
	tasks   map[TaskID]*TaskRecord
	events  map[TaskID][]TaskEvent
	seen    map[EventID]struct{}
	healthy bool
	batches int
}

func newMemRepo() *memRepo {
	return &memRepo{
		tasks:   make(map[TaskID]*TaskRecord),
		events:  make(map[TaskID][]TaskEvent),
		seen:    make(map[EventID]struct{}),
		healthy: true,
	}
}

func (r *memRepo) Initialize(context.Context) error { return nil }

func (r *memRepo) put(rec *TaskRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.tasks[rec.ID] = &cp
}

func (r *memRepo) FindByID(_ context.Context, id TaskID) (*TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memRepo) FindByIdempotencyKey(_ context.Context, key IdempotencyKey) (*TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *TaskRecord
	for _, rec := range r.tasks {
		if rec.IdempotencyKey == key && (best == nil || rec.CreatedAt > best.CreatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrTaskNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *memRepo) FindStaleTasks(_ context.Context, olderThan time.Time, typ TaskType, limit int) ([]*TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*TaskRecord
	for _, rec := range r.tasks {
		if rec.Status == StatusRunning && rec.Type == typ && rec.LastHeartbeatAt < olderThan.UnixMilli() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeatAt < out[j].LastHeartbeatAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) GetEvents(_ context.Context, id TaskID) ([]TaskEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskEvent(nil), r.events[id]...), nil
}

func (r *memRepo) ExecuteBatch(_ context.Context, ops []Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.healthy {
		return errLogDown
	}
	r.batches++
	for _, op := range ops {
		switch op.Kind {
		case OpUpsertTask:
			cp := *op.Task
			r.tasks[op.TaskID] = &cp
		case OpUpdateTask:
			if rec, ok := r.tasks[op.TaskID]; ok {
				op.Patch.Apply(rec)
			}
		case OpAppendEvent:
			if _, dup := r.seen[op.Event.ID]; dup {
				continue
			}
			r.seen[op.Event.ID] = struct{}{}
			ev := *op.Event
			ev.Seq = int64(len(r.events[op.TaskID]) + 1)
			r.events[op.TaskID] = append(r.events[op.TaskID], ev)
		}
	}
	return nil
}

func (r *memRepo) HealthCheck(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.healthy {
		return errLogDown
	}
	return nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) setHealthy(ok bool) {
	r.mu.Lock()
	r.healthy = ok
	r.mu.Unlock()
}
