// Package redisstore implements taskflow.EventLog and taskflow.TaskRepository on Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	taskflow "github.com/UniQw/taskflow-go"
	"github.com/UniQw/taskflow-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// appendScript appends an event to the WAL unless its id is already there.
// It returns the entry offset either way.
var appendScript = redis.NewScript(
	// language=Lua
	`
	local off = redis.call('HGET', KEYS[1], ARGV[1])
	if off then return tonumber(off) end
	off = redis.call('INCR', KEYS[2])
	redis.call('HSET', KEYS[1], ARGV[1], off)
	redis.call('ZADD', KEYS[3], off, ARGV[2])
	return off
	`,
)

// eventScript stores a task event under the next per-task seq unless its id
// is already stored. It returns the seq, or 0 for a duplicate.
var eventScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then return 0 end
	local seq = redis.call('INCR', KEYS[2])
	redis.call('ZADD', KEYS[3], seq, ARGV[2])
	return seq
	`,
)

// Option configures a Store.
type Option func(*Store)

// WithNamespace isolates the store's keys under ns (default "default").
func WithNamespace(ns string) Option {
	return func(s *Store) { s.k = keys.For(ns) }
}

// WithEncoder overrides the record and event codec.
func WithEncoder(enc taskflow.Encoder) Option {
	return func(s *Store) { s.enc = enc }
}

// Store keeps the WAL as a ZSET scored by offset, task records as JSON
// strings, a HASH index from idempotency key to task id, one heartbeat ZSET
// per task type for running tasks and one event ZSET per task.
//
// ExecuteBatch reads, patches and rewrites task records; it expects a single
// writer (the flusher) per namespace.
type Store struct {
	rdb redis.UniversalClient
	k   keys.Namespace
	enc taskflow.Encoder
}

var (
	_ taskflow.EventLog       = (*Store)(nil)
	_ taskflow.TaskRepository = (*Store)(nil)
)

// New creates a store on rdb. The caller owns rdb; Close does not close it.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, k: keys.For("default"), enc: &taskflow.JSONEncoder{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the key namespace.
func (s *Store) Namespace() string { return s.k.Name }

// Initialize checks connectivity; Redis needs no schema.
func (s *Store) Initialize(ctx context.Context) error { return s.HealthCheck(ctx) }

// HealthCheck pings Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Store) Close() error { return nil }

// AppendEvent appends ev to the WAL. Appending an id twice keeps the first entry.
func (s *Store) AppendEvent(ctx context.Context, ev taskflow.TaskEvent) error {
	if ev.ID == "" {
		return &taskflow.ValidationError{Field: "event id", Reason: "must not be empty"}
	}
	raw, err := s.enc.Encode(ev)
	if err != nil {
		return err
	}
	k := s.k
	return appendScript.Run(ctx, s.rdb, []string{k.WALIDs, k.WALSeq, k.WAL}, string(ev.ID), raw).Err()
}

// ReadEntriesFromCheckpoint returns up to limit WAL entries after checkpoint.
func (s *Store) ReadEntriesFromCheckpoint(ctx context.Context, checkpoint int64, limit int) ([]taskflow.LogEntry, error) {
	by := &redis.ZRangeBy{Min: "(" + strconv.FormatInt(checkpoint, 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.k.WAL, by).Result()
	if err != nil {
		return nil, err
	}
	out := make([]taskflow.LogEntry, 0, len(zs))
	for _, z := range zs {
		ev, err := s.decodeEvent(z.Member)
		if err != nil {
			return nil, fmt.Errorf("decode wal entry %d: %w", int64(z.Score), err)
		}
		out = append(out, taskflow.LogEntry{Offset: int64(z.Score), Event: ev})
	}
	return out, nil
}

// Checkpoint returns the last flushed offset, 0 when none was stored.
func (s *Store) Checkpoint(ctx context.Context) (int64, error) {
	n, err := s.rdb.Get(ctx, s.k.Checkpoint).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// SetCheckpoint stores the last flushed offset.
func (s *Store) SetCheckpoint(ctx context.Context, offset int64) error {
	return s.rdb.Set(ctx, s.k.Checkpoint, offset, 0).Err()
}

// Stats reports WAL size and flush progress.
func (s *Store) Stats(ctx context.Context) (taskflow.EventLogStats, error) {
	var (
		card *redis.IntCmd
		seq  *redis.StringCmd
	)
	cp, err := s.Checkpoint(ctx)
	if err != nil {
		return taskflow.EventLogStats{}, err
	}
	var pending *redis.IntCmd
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		card = p.ZCard(ctx, s.k.WAL)
		seq = p.Get(ctx, s.k.WALSeq)
		pending = p.ZCount(ctx, s.k.WAL, "("+strconv.FormatInt(cp, 10), "+inf")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return taskflow.EventLogStats{}, err
	}
	last, err := seq.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return taskflow.EventLogStats{}, err
	}
	return taskflow.EventLogStats{
		Entries:    card.Val(),
		LastOffset: last,
		Checkpoint: cp,
		Pending:    pending.Val(),
	}, nil
}

// Trim drops WAL entries at or below the checkpoint and forgets their ids.
// It returns how many entries were removed.
func (s *Store) Trim(ctx context.Context) (int, error) {
	cp, err := s.Checkpoint(ctx)
	if err != nil || cp == 0 {
		return 0, err
	}
	max := strconv.FormatInt(cp, 10)
	members, err := s.rdb.ZRangeByScore(ctx, s.k.WAL, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ev, err := s.decodeEvent(m)
		if err != nil {
			return 0, err
		}
		ids = append(ids, string(ev.ID))
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.k.WALIDs, ids...)
		p.ZRemRangeByScore(ctx, s.k.WAL, "-inf", max)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// FindByID loads the task record for id.
func (s *Store) FindByID(ctx context.Context, id taskflow.TaskID) (*taskflow.TaskRecord, error) {
	raw, err := s.rdb.Get(ctx, s.k.Task(string(id))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", id, taskflow.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.decodeRecord(raw)
}

// FindByIdempotencyKey loads the newest task stored under key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key taskflow.IdempotencyKey) (*taskflow.TaskRecord, error) {
	id, err := s.rdb.HGet(ctx, s.k.TaskIndex, string(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task key %s: %w", key.Short(), taskflow.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, taskflow.TaskID(id))
}

// FindStaleTasks returns running tasks of typ whose heartbeat is older than olderThan.
func (s *Store) FindStaleTasks(ctx context.Context, olderThan time.Time, typ taskflow.TaskType, limit int) ([]*taskflow.TaskRecord, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.k.Running(string(typ)), by).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	taskKeys := make([]string, len(ids))
	for i, id := range ids {
		taskKeys[i] = s.k.Task(id)
	}
	vals, err := s.rdb.MGet(ctx, taskKeys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*taskflow.TaskRecord, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := s.decodeRecord([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		if rec.Status == taskflow.StatusRunning && rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetEvents returns the stored events of id ordered by seq.
func (s *Store) GetEvents(ctx context.Context, id taskflow.TaskID) ([]taskflow.TaskEvent, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, s.k.Events(string(id)), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]taskflow.TaskEvent, 0, len(zs))
	for _, z := range zs {
		ev, err := s.decodeEvent(z.Member)
		if err != nil {
			return nil, err
		}
		ev.Seq = int64(z.Score)
		out = append(out, ev)
	}
	return out, nil
}

// ExecuteBatch applies ops. Task rows are written in one MULTI; events are
// then appended through eventScript, which skips ids already stored, so a
// batch that failed half way can be replayed.
func (s *Store) ExecuteBatch(ctx context.Context, ops []taskflow.Op) error {
	if len(ops) == 0 {
		return nil
	}
	recs, err := s.loadForUpdate(ctx, ops)
	if err != nil {
		return err
	}
	var (
		dirty  []taskflow.TaskID
		seen   = make(map[taskflow.TaskID]bool)
		events []*taskflow.TaskEvent
	)
	for _, op := range ops {
		switch op.Kind {
		case taskflow.OpUpsertTask:
			if op.Task == nil {
				continue
			}
			cp := *op.Task
			recs[op.TaskID] = &cp
		case taskflow.OpUpdateTask:
			rec := recs[op.TaskID]
			if rec == nil {
				continue
			}
			op.Patch.Apply(rec)
		case taskflow.OpAppendEvent:
			if op.Event != nil {
				events = append(events, op.Event)
			}
			continue
		default:
			return fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if !seen[op.TaskID] {
			seen[op.TaskID] = true
			dirty = append(dirty, op.TaskID)
		}
	}

	if len(dirty) > 0 {
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range dirty {
				rec := recs[id]
				raw, err := s.enc.Encode(rec)
				if err != nil {
					return err
				}
				p.Set(ctx, s.k.Task(string(id)), raw, 0)
				p.HSet(ctx, s.k.TaskIndex, string(rec.IdempotencyKey), string(id))
				for _, typ := range []taskflow.TaskType{taskflow.TaskTypeUser, taskflow.TaskTypeBackground} {
					if rec.Status == taskflow.StatusRunning && rec.Type == typ {
						p.ZAdd(ctx, s.k.Running(string(typ)), redis.Z{Score: float64(rec.LastHeartbeatAt), Member: string(id)})
					} else {
						p.ZRem(ctx, s.k.Running(string(typ)), string(id))
					}
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("write %d task(s): %w", len(dirty), err)
		}
	}

	if len(events) == 0 {
		return nil
	}
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, ev := range events {
			raw, err := s.enc.Encode(ev)
			if err != nil {
				return err
			}
			id := string(ev.TaskID)
			eventScript.Eval(ctx, p, []string{s.k.EventIDs(id), s.k.EventSeq(id), s.k.Events(id)}, string(ev.ID), raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %d event(s): %w", len(events), err)
	}
	return nil
}

// loadForUpdate fetches the records targeted by update ops.
func (s *Store) loadForUpdate(ctx context.Context, ops []taskflow.Op) (map[taskflow.TaskID]*taskflow.TaskRecord, error) {
	recs := make(map[taskflow.TaskID]*taskflow.TaskRecord)
	var ids []taskflow.TaskID
	for _, op := range ops {
		if op.Kind != taskflow.OpUpdateTask {
			continue
		}
		if _, ok := recs[op.TaskID]; !ok {
			recs[op.TaskID] = nil
			ids = append(ids, op.TaskID)
		}
	}
	if len(ids) == 0 {
		return recs, nil
	}
	taskKeys := make([]string, len(ids))
	for i, id := range ids {
		taskKeys[i] = s.k.Task(string(id))
	}
	vals, err := s.rdb.MGet(ctx, taskKeys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := s.decodeRecord([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		recs[ids[i]] = rec
	}
	return recs, nil
}

func (s *Store) decodeRecord(raw []byte) (*taskflow.TaskRecord, error) {
	var rec taskflow.TaskRecord
	if err := s.enc.Decode(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) decodeEvent(member any) (taskflow.TaskEvent, error) {
	var raw []byte
	switch v := member.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return taskflow.TaskEvent{}, fmt.Errorf("unexpected member type %T", member)
	}
	var ev taskflow.TaskEvent
	err := s.enc.Decode(raw, &ev)
	return ev, err
}
