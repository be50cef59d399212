package taskflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FlusherStats is a snapshot of flusher progress.
type FlusherStats struct {
	Entries     int64     `json:"entries"`
	Batches     int64     `json:"batches"`
	Failures    int64     `json:"failures"`
	Checkpoint  int64     `json:"checkpoint"`
	LastFlushAt time.Time `json:"last_flush_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Flusher copies log entries past the checkpoint into the repository and
// then advances the checkpoint. Delivery is at-least-once; repositories
// ignore event ids they already hold.
type Flusher struct {
	cfg  FlushConfig
	wal  EventLog
	repo TaskRepository
	log  Logger

	// pass serializes Flush calls.
	pass sync.Mutex

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastErr string

	entries    atomic.Int64
	batches    atomic.Int64
	failures   atomic.Int64
	checkpoint atomic.Int64
	lastFlush  atomic.Int64
}

// NewFlusher creates a flusher. Call Start to flush every cfg.Interval.
func NewFlusher(cfg FlushConfig, wal EventLog, repo TaskRepository, log Logger) *Flusher {
	d := DefaultConfig().Flush
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	return &Flusher{cfg: cfg, wal: wal, repo: repo, log: orNoop(log)}
}

// Flush drains the log into the repository in batches of BatchSize and
// returns the number of entries written. The checkpoint only moves past a
// batch once the repository accepted it.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	f.pass.Lock()
	defer f.pass.Unlock()

	total := 0
	for {
		n, err := f.flushBatch(ctx)
		total += n
		if err != nil {
			f.failures.Add(1)
			f.mu.Lock()
			f.lastErr = err.Error()
			f.mu.Unlock()
			return total, err
		}
		if n < f.cfg.BatchSize {
			break
		}
	}
	f.lastFlush.Store(time.Now().UnixMilli())
	f.mu.Lock()
	f.lastErr = ""
	f.mu.Unlock()
	return total, nil
}

func (f *Flusher) flushBatch(ctx context.Context) (int, error) {
	cp, err := f.wal.Checkpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	entries, err := f.wal.ReadEntriesFromCheckpoint(ctx, cp, f.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read log after %d: %w", cp, err)
	}
	if len(entries) == 0 {
		f.checkpoint.Store(cp)
		return 0, nil
	}
	ops := make([]Op, 0, 2*len(entries))
	for _, e := range entries {
		ops = append(ops, OpsForEvent(e.Event)...)
	}
	if err := f.repo.ExecuteBatch(ctx, ops); err != nil {
		return 0, fmt.Errorf("write %d entries after %d: %w", len(entries), cp, err)
	}
	last := entries[len(entries)-1].Offset
	if err := f.wal.SetCheckpoint(ctx, last); err != nil {
		return 0, fmt.Errorf("advance checkpoint to %d: %w", last, err)
	}
	f.checkpoint.Store(last)
	f.entries.Add(int64(len(entries)))
	f.batches.Add(1)
	f.log.Debugf("flushed %d log entries, checkpoint=%d", len(entries), last)
	return len(entries), nil
}

// Start launches the periodic flush. It is idempotent and non-blocking.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		f.log.Warnf("flusher already started; ignoring Start()")
		return
	}
	f.started = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.loop(f.stopCh, f.doneCh)
}

func (f *Flusher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(f.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if _, err := f.Flush(context.Background()); err != nil {
				f.log.Warnf("flush: %v", err)
			}
		}
	}
}

// Stop ends the periodic flush and runs a final pass.
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = false
	stop, done := f.stopCh, f.doneCh
	f.mu.Unlock()
	close(stop)
	<-done
	_, err := f.Flush(ctx)
	return err
}

// Stats returns a snapshot of flusher progress.
func (f *Flusher) Stats() FlusherStats {
	f.mu.Lock()
	lastErr := f.lastErr
	f.mu.Unlock()
	return FlusherStats{
		Entries:     f.entries.Load(),
		Batches:     f.batches.Load(),
		Failures:    f.failures.Load(),
		Checkpoint:  f.checkpoint.Load(),
		LastFlushAt: msTime(f.lastFlush.Load()),
		LastError:   lastErr,
	}
}
