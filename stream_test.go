package taskflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStreams(buffer int) *StreamManager {
	return NewStreamManager(StreamConfig{BufferSize: buffer, Retention: time.Minute, MaxStreams: 100}, nil)
}

func pushN(t *testing.T, m *StreamManager, key IdempotencyKey, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.Push(key, TaskEvent{ID: NewEventID(), Type: EventProgress})
		require.NoError(t, err)
	}
}

// collect drains seq and returns the seqs plus the terminal error.
func collect(t *testing.T, m *StreamManager, ctx context.Context, key IdempotencyKey, opts ...EventsOption) ([]int64, error) {
	t.Helper()
	var seqs []int64
	for ev, err := range m.Events(ctx, key, opts...) {
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, ev.Seq)
	}
	return seqs, nil
}

func TestStream_ReplayOverflow(t *testing.T) {
	m := newTestStreams(10)
	key := IdempotencyKey("k-overflow")
	require.NoError(t, m.GetOrCreate(key))
	pushN(t, m, key, 15)
	require.NoError(t, m.Close(key))

	_, err := collect(t, m, context.Background(), key, AfterSeq(1))
	var ov *StreamOverflowError
	require.ErrorAs(t, err, &ov)
	require.ErrorIs(t, err, ErrStreamOverflow)
	require.Equal(t, int64(1), ov.LastSeq)
	require.Equal(t, int64(6), ov.OldestSeq)

	_, err = collect(t, m, context.Background(), key, AfterSeq(5))
	require.ErrorIs(t, err, ErrStreamOverflow, "an evicted replay point overflows even without a gap")

	seqs, err := collect(t, m, context.Background(), key, AfterSeq(10))
	require.NoError(t, err)
	require.Equal(t, []int64{11, 12, 13, 14, 15}, seqs)

	seqs, err = collect(t, m, context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []int64{6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, seqs, "without lastSeq replay starts at the oldest buffered event")

	seqs, err = collect(t, m, context.Background(), key, AfterSeq(15))
	require.NoError(t, err)
	require.Empty(t, seqs)
}

func TestStream_UnknownStreamYieldsNothing(t *testing.T) {
	m := newTestStreams(10)
	seqs, err := collect(t, m, context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, seqs)

	ev, err := m.Push("missing", TaskEvent{Type: EventStart})
	require.NoError(t, err)
	require.Zero(t, ev.Seq, "push to an absent stream is a no-op")
}

func TestStream_EmptyKeyRejected(t *testing.T) {
	m := newTestStreams(10)
	require.ErrorIs(t, m.GetOrCreate(""), ErrValidation)
	_, err := m.Push(" ", TaskEvent{})
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, m.Close(""), ErrValidation)
	_, err = m.ListenerCount("")
	require.ErrorIs(t, err, ErrValidation)
	_, err = collect(t, m, context.Background(), "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestStream_LiveWaitsForPushAndClose(t *testing.T) {
	m := newTestStreams(10)
	key := IdempotencyKey("k-live")
	require.NoError(t, m.GetOrCreate(key))
	pushN(t, m, key, 2)

	got := make(chan []int64, 1)
	go func() {
		seqs, _ := collect(t, m, context.Background(), key)
		got <- seqs
	}()

	require.Eventually(t, func() bool {
		n, _ := m.ListenerCount(key)
		return n == 1
	}, time.Second, 5*time.Millisecond)

	pushN(t, m, key, 2)
	require.NoError(t, m.Close(key))

	select {
	case seqs := <-got:
		require.Equal(t, []int64{1, 2, 3, 4}, seqs)
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not finish after close")
	}
	n, err := m.ListenerCount(key)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStream_CancelWithCause(t *testing.T) {
	m := newTestStreams(10)
	key := IdempotencyKey("k-cancel")
	require.NoError(t, m.GetOrCreate(key))

	cause := errors.New("client went away")
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := collect(t, m, ctx, key)
		done <- err
	}()
	require.Eventually(t, func() bool {
		n, _ := m.ListenerCount(key)
		return n == 1
	}, time.Second, 5*time.Millisecond)
	cancel(cause)
	require.ErrorIs(t, <-done, cause)

	// plain cancellation ends cleanly
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err := collect(t, m, ctx2, key)
	require.NoError(t, err)
}

func TestStream_CloseIdempotentAndListeners(t *testing.T) {
	m := newTestStreams(10)
	key := IdempotencyKey("k-listen")
	require.NoError(t, m.GetOrCreate(key))

	var mu sync.Mutex
	var seen []int64
	closes := 0
	stop, err := m.Listen(key, func(ev TaskEvent, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if !ok {
			closes++
			return
		}
		seen = append(seen, ev.Seq)
	})
	require.NoError(t, err)
	defer stop()

	pushN(t, m, key, 3)
	require.NoError(t, m.Close(key))
	require.NoError(t, m.Close(key))

	mu.Lock()
	require.Equal(t, []int64{1, 2, 3}, seen)
	require.Equal(t, 1, closes, "listeners are notified of close once")
	mu.Unlock()

	ev, err := m.Push(key, TaskEvent{Type: EventProgress})
	require.NoError(t, err)
	require.Zero(t, ev.Seq, "pushes after close are ignored")
	_, err = m.Listen("nope", func(TaskEvent, bool) {})
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStream_RemovedAfterRetention(t *testing.T) {
	m := NewStreamManager(StreamConfig{BufferSize: 4, Retention: 10 * time.Millisecond, MaxStreams: 10}, nil)
	key := IdempotencyKey("k-retain")
	require.NoError(t, m.GetOrCreate(key))
	require.NoError(t, m.Close(key))
	require.True(t, m.Exists(key))
	require.Eventually(t, func() bool { return !m.Exists(key) }, time.Second, 5*time.Millisecond)
}

func TestStream_ReopenContinuesSequence(t *testing.T) {
	m := newTestStreams(10)
	key := IdempotencyKey("k-reopen")
	require.NoError(t, m.GetOrCreate(key))
	pushN(t, m, key, 2)
	require.NoError(t, m.Close(key))
	require.NoError(t, m.GetOrCreate(key))
	ev, err := m.Push(key, TaskEvent{Type: EventStart})
	require.NoError(t, err)
	require.Equal(t, int64(3), ev.Seq)
}

func TestStream_RegistryBounded(t *testing.T) {
	m := NewStreamManager(StreamConfig{BufferSize: 4, Retention: time.Minute, MaxStreams: 2}, nil)
	require.NoError(t, m.GetOrCreate("a"))
	require.NoError(t, m.GetOrCreate("b"))
	require.NoError(t, m.GetOrCreate("c"))
	require.False(t, m.Exists("a"), "oldest stream evicted")
	require.True(t, m.Exists("b"))
	require.True(t, m.Exists("c"))

	st := m.Stats()
	require.Equal(t, 2, st.Total)
	require.Equal(t, 2, st.Active)
	require.Equal(t, int64(1), st.Evicted)
}

func TestStream_ClearAllAndStats(t *testing.T) {
	m := newTestStreams(3)
	require.NoError(t, m.GetOrCreate("x"))
	require.NoError(t, m.GetOrCreate("y"))
	pushN(t, m, "x", 5)
	require.NoError(t, m.Close("y"))

	st := m.Stats()
	require.Equal(t, 1, st.Active)
	require.Equal(t, 1, st.Closed)
	require.Equal(t, 3, st.BufferedEvents)
	require.Equal(t, int64(5), st.EventsPushed)

	m.ClearAll()
	require.Zero(t, m.Stats().Total)
	require.False(t, m.Exists("x"))
}
