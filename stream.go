package taskflow

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/taskflow-go/internal/ring"
)

// ListenerFunc receives every event pushed to a stream. It is called once
// with ok=false when the stream closes. Listeners run synchronously inside
// Push and must not push to the same stream.
type ListenerFunc func(ev TaskEvent, ok bool)

type listener struct {
	id uint64
	fn ListenerFunc
}

type stream struct {
	// deliver serializes listener notification so listeners see pushes in seq order.
	deliver sync.Mutex

	key       IdempotencyKey
	events    *ring.Buffer[int64, TaskEvent]
	nextSeq   int64
	closed    bool
	listeners []listener
	createdAt time.Time
	removal   *time.Timer
}

// StreamStats is a point-in-time view of the stream registry.
type StreamStats struct {
	Active         int   `json:"active"`
	Closed         int   `json:"closed"`
	Total          int   `json:"total"`
	BufferedEvents int   `json:"buffered_events"`
	Listeners      int   `json:"listeners"`
	EventsPushed   int64 `json:"events_pushed"`
	Evicted        int64 `json:"evicted"`
}

// StreamManager keeps a bounded replay buffer and a listener set per
// idempotency key. The set of streams is itself bounded by MaxStreams; when
// full, the oldest stream is closed and dropped.
type StreamManager struct {
	mu      sync.Mutex
	cfg     StreamConfig
	log     Logger
	streams *ring.Buffer[IdempotencyKey, *stream]
	nextID  uint64

	pushed  atomic.Int64
	evicted atomic.Int64
}

// NewStreamManager creates a stream registry sized by cfg.
func NewStreamManager(cfg StreamConfig, log Logger) *StreamManager {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().Stream.BufferSize
	}
	if cfg.MaxStreams < 1 {
		cfg.MaxStreams = DefaultConfig().Stream.MaxStreams
	}
	return &StreamManager{
		cfg:     cfg,
		log:     orNoop(log),
		streams: ring.New[IdempotencyKey, *stream](cfg.MaxStreams),
	}
}

// GetOrCreate opens the stream for key. A closed stream that has not been
// removed yet is reopened; its buffer and sequence continue.
func (m *StreamManager) GetOrCreate(key IdempotencyKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if s, ok := m.streams.Get(key); ok {
		if s.closed {
			s.closed = false
			if s.removal != nil {
				s.removal.Stop()
				s.removal = nil
			}
		}
		m.mu.Unlock()
		return nil
	}
	s := &stream{
		key:       key,
		events:    ring.New[int64, TaskEvent](m.cfg.BufferSize),
		nextSeq:   1,
		createdAt: time.Now(),
	}
	_, old, evicted := m.streams.Put(key, s)
	var notify []listener
	if evicted {
		notify = m.closeLocked(old)
	}
	m.mu.Unlock()

	if evicted {
		m.evicted.Add(1)
		m.log.Warnf("stream registry full (max=%d); evicted stream %s", m.cfg.MaxStreams, old.key.Short())
		notifyClosed(old, notify)
	}
	return nil
}

// Push assigns the next seq to ev, buffers it and notifies listeners.
// It returns the stored event. Pushing to an unknown or closed stream is a no-op.
func (m *StreamManager) Push(key IdempotencyKey, ev TaskEvent) (TaskEvent, error) {
	if err := key.Validate(); err != nil {
		return ev, err
	}
	m.mu.Lock()
	s, ok := m.streams.Get(key)
	m.mu.Unlock()
	if !ok {
		return ev, nil
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()

	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		m.log.Debugf("push to closed stream %s ignored (event=%s)", key.Short(), ev.Type)
		return ev, nil
	}
	ev.Seq = s.nextSeq
	s.nextSeq++
	s.events.Put(ev.Seq, ev)
	ls := append([]listener(nil), s.listeners...)
	m.mu.Unlock()

	m.pushed.Add(1)
	for _, l := range ls {
		l.fn(ev, true)
	}
	return ev, nil
}

// Close marks the stream closed, notifies listeners once, drops them and
// schedules removal after the retention delay. Closing twice is a no-op.
func (m *StreamManager) Close(key IdempotencyKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.streams.Get(key)
	if !ok || s.closed {
		m.mu.Unlock()
		return nil
	}
	ls := m.closeLocked(s)
	s.removal = time.AfterFunc(m.cfg.Retention, func() { m.remove(key, s) })
	m.mu.Unlock()

	notifyClosed(s, ls)
	return nil
}

// closeLocked must be called with m.mu held. It returns the listeners to notify.
func (m *StreamManager) closeLocked(s *stream) []listener {
	if s.closed {
		return nil
	}
	s.closed = true
	ls := s.listeners
	s.listeners = nil
	return ls
}

func notifyClosed(s *stream, ls []listener) {
	if len(ls) == 0 {
		return
	}
	s.deliver.Lock()
	defer s.deliver.Unlock()
	for _, l := range ls {
		l.fn(TaskEvent{}, false)
	}
}

func (m *StreamManager) remove(key IdempotencyKey, s *stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams.Get(key); ok && cur == s && s.closed {
		m.streams.Delete(key)
	}
}

// Listen registers fn on the stream. The returned cancel func removes it.
// A closed stream calls fn(TaskEvent{}, false) immediately.
func (m *StreamManager) Listen(key IdempotencyKey, fn ListenerFunc) (cancel func(), err error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	s, ok := m.streams.Get(key)
	if !ok {
		m.mu.Unlock()
		return nil, ErrStreamNotFound
	}
	if s.closed {
		m.mu.Unlock()
		fn(TaskEvent{}, false)
		return func() {}, nil
	}
	m.nextID++
	id := m.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { m.unlisten(s, id) }) }, nil
}

func (m *StreamManager) unlisten(s *stream, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount is the number of listeners on the stream, 0 for unknown streams.
func (m *StreamManager) ListenerCount(key IdempotencyKey) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams.Get(key)
	if !ok {
		return 0, nil
	}
	return len(s.listeners), nil
}

// Exists reports whether a stream (open or closed but not yet removed) is held for key.
func (m *StreamManager) Exists(key IdempotencyKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams.Contains(key)
}

// Buffered returns the events currently held for key, oldest first.
func (m *StreamManager) Buffered(key IdempotencyKey) ([]TaskEvent, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams.Get(key)
	if !ok {
		return nil, nil
	}
	return s.events.Values(), nil
}

type eventsOptions struct {
	lastSeq int64
	hasLast bool
}

// EventsOption configures Events.
type EventsOption func(*eventsOptions)

// AfterSeq resumes strictly after seq, the last sequence the consumer saw.
// A seq of 0 or less replays from the oldest buffered event.
func AfterSeq(seq int64) EventsOption {
	return func(o *eventsOptions) {
		o.lastSeq = seq
		o.hasLast = seq > 0
	}
}

// Events returns a single-use sequence of the stream's events: buffered
// events first, then live ones, until the stream closes and is drained.
//
// An unknown stream yields nothing. If the AfterSeq point has been evicted,
// or the consumer falls behind the buffer, a *StreamOverflowError is yielded
// and the sequence stops. Cancelling ctx ends the wait; a cancellation cause
// other than context.Canceled is yielded as the final error.
func (m *StreamManager) Events(ctx context.Context, key IdempotencyKey, opts ...EventsOption) iter.Seq2[TaskEvent, error] {
	o := eventsOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	return func(yield func(TaskEvent, error) bool) {
		if err := key.Validate(); err != nil {
			yield(TaskEvent{}, err)
			return
		}
		wake := make(chan struct{}, 1)
		m.mu.Lock()
		s, ok := m.streams.Get(key)
		if !ok {
			m.mu.Unlock()
			return
		}
		var id uint64
		if !s.closed {
			m.nextID++
			id = m.nextID
			s.listeners = append(s.listeners, listener{id: id, fn: func(TaskEvent, bool) {
				select {
				case wake <- struct{}{}:
				default:
				}
			}})
		}
		m.mu.Unlock()
		if id != 0 {
			defer m.unlisten(s, id)
		}

		last, started, strict := o.lastSeq, o.hasLast, o.hasLast
		for {
			m.mu.Lock()
			batch, err := s.since(last, started, strict)
			strict = false
			closed := s.closed
			m.mu.Unlock()
			if err != nil {
				yield(TaskEvent{}, err)
				return
			}
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
				last, started = ev.Seq, true
			}
			if len(batch) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
					yield(TaskEvent{}, cause)
				}
				return
			}
		}
	}
}

// since must be called with the manager lock held. In strict mode an evicted
// last seq is an overflow even when the next event is still buffered; a live
// consumer only overflows when events it has not seen were evicted.
func (s *stream) since(last int64, started, strict bool) ([]TaskEvent, error) {
	if !started {
		return s.events.Values(), nil
	}
	latest := s.nextSeq - 1
	if last >= latest {
		return nil, nil
	}
	if vals, found := s.events.After(last); found {
		return vals, nil
	}
	oldest, _, ok := s.events.Oldest()
	if ok && last < oldest {
		if !strict && last == oldest-1 {
			return s.events.Values(), nil
		}
		return nil, &StreamOverflowError{Key: s.key, LastSeq: last, OldestSeq: oldest}
	}
	return nil, nil
}

// ClearAll closes every stream, stops removal timers and empties the registry.
func (m *StreamManager) ClearAll() {
	m.mu.Lock()
	type pending struct {
		s  *stream
		ls []listener
	}
	var toNotify []pending
	for _, s := range m.streams.All() {
		if s.removal != nil {
			s.removal.Stop()
			s.removal = nil
		}
		toNotify = append(toNotify, pending{s: s, ls: m.closeLocked(s)})
	}
	m.streams.Reset()
	m.mu.Unlock()

	for _, p := range toNotify {
		notifyClosed(p.s, p.ls)
	}
}

// Stats returns counts across all held streams.
func (m *StreamManager) Stats() StreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := StreamStats{
		Total:        m.streams.Len(),
		EventsPushed: m.pushed.Load(),
		Evicted:      m.evicted.Load(),
	}
	for _, s := range m.streams.All() {
		if s.closed {
			st.Closed++
		} else {
			st.Active++
		}
		st.BufferedEvents += s.events.Len()
		st.Listeners += len(s.listeners)
	}
	return st
}
