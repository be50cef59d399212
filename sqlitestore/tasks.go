package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	taskflow "github.com/UniQw/taskflow-go"
)

const taskColumns = `id, idempotency_key, name, user_id, type, status, attempt, input, result, error,
	execution_options, created_at, started_at, last_heartbeat_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// FindByID loads the task row for id.
func (s *Store) FindByID(ctx context.Context, id taskflow.TaskID) (*taskflow.TaskRecord, error) {
	return s.findByID(ctx, s.db, id)
}

func (s *Store) findByID(ctx context.Context, q querier, id taskflow.TaskID) (*taskflow.TaskRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, string(id))
	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, taskflow.ErrTaskNotFound)
	}
	return rec, err
}

// FindByIdempotencyKey loads the newest task stored under key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key taskflow.IdempotencyKey) (*taskflow.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE idempotency_key = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, string(key))
	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task key %s: %w", key.Short(), taskflow.ErrTaskNotFound)
	}
	return rec, err
}

// FindStaleTasks returns running tasks of typ whose heartbeat is older than olderThan.
func (s *Store) FindStaleTasks(ctx context.Context, olderThan time.Time, typ taskflow.TaskType, limit int) ([]*taskflow.TaskRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE type = ? AND status = ? AND last_heartbeat_at < ?
		ORDER BY last_heartbeat_at
		LIMIT ?
	`, string(typ), string(taskflow.StatusRunning), olderThan.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}
	defer rows.Close()

	var out []*taskflow.TaskRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetEvents returns the stored events of id ordered by seq.
func (s *Store) GetEvents(ctx context.Context, id taskflow.TaskID) ([]taskflow.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM task_events WHERE task_id = ? ORDER BY seq`, string(id))
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []taskflow.TaskEvent
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var ev taskflow.TaskEvent
		if err := s.enc.Decode([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event %d of %s: %w", seq, id, err)
		}
		ev.Seq = seq
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ExecuteBatch applies ops in one transaction.
func (s *Store) ExecuteBatch(ctx context.Context, ops []taskflow.Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		switch op.Kind {
		case taskflow.OpUpsertTask:
			if op.Task == nil {
				continue
			}
			err = s.saveRecord(ctx, tx, op.Task)
		case taskflow.OpUpdateTask:
			var rec *taskflow.TaskRecord
			rec, err = s.findByID(ctx, tx, op.TaskID)
			if errors.Is(err, taskflow.ErrTaskNotFound) {
				err = nil
				continue
			}
			if err == nil {
				op.Patch.Apply(rec)
				err = s.saveRecord(ctx, tx, rec)
			}
		case taskflow.OpAppendEvent:
			if op.Event == nil {
				continue
			}
			err = s.appendTaskEvent(ctx, tx, op.Event)
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", op.Kind, op.TaskID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) saveRecord(ctx context.Context, q querier, rec *taskflow.TaskRecord) error {
	var opts sql.NullString
	if rec.ExecutionOptions != nil {
		raw, err := s.enc.Encode(rec.ExecutionOptions)
		if err != nil {
			return err
		}
		opts = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			idempotency_key = excluded.idempotency_key,
			name = excluded.name,
			user_id = excluded.user_id,
			type = excluded.type,
			status = excluded.status,
			attempt = excluded.attempt,
			input = excluded.input,
			result = excluded.result,
			error = excluded.error,
			execution_options = excluded.execution_options,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			completed_at = excluded.completed_at
	`,
		string(rec.ID), string(rec.IdempotencyKey), string(rec.Name), string(rec.UserID),
		string(rec.Type), string(rec.Status), rec.Attempt,
		nullRaw(rec.Input), nullRaw(rec.Result), rec.Error, opts,
		rec.CreatedAt, rec.StartedAt, rec.LastHeartbeatAt, rec.CompletedAt,
	)
	return err
}

// appendTaskEvent stores ev under the next seq of its task; a stored event id is skipped.
func (s *Store) appendTaskEvent(ctx context.Context, q querier, ev *taskflow.TaskEvent) error {
	raw, err := s.enc.Encode(ev)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_events (task_id, seq, event_id, payload)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM task_events WHERE task_id = ?
	`, string(ev.TaskID), string(ev.ID), string(raw), string(ev.TaskID))
	return err
}

func (s *Store) scanRecord(row scanner) (*taskflow.TaskRecord, error) {
	var (
		rec                          taskflow.TaskRecord
		id, key, name, user, typ, st string
		input, result, opts          sql.NullString
	)
	err := row.Scan(&id, &key, &name, &user, &typ, &st, &rec.Attempt, &input, &result, &rec.Error,
		&opts, &rec.CreatedAt, &rec.StartedAt, &rec.LastHeartbeatAt, &rec.CompletedAt)
	if err != nil {
		return nil, err
	}
	rec.ID = taskflow.TaskID(id)
	rec.IdempotencyKey = taskflow.IdempotencyKey(key)
	rec.Name = taskflow.TaskName(name)
	rec.UserID = taskflow.UserID(user)
	rec.Type = taskflow.TaskType(typ)
	rec.Status = taskflow.Status(st)
	if input.Valid {
		rec.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if opts.Valid {
		var eo taskflow.ExecutionOptions
		if err := s.enc.Decode([]byte(opts.String), &eo); err != nil {
			return nil, fmt.Errorf("decode execution options of %s: %w", id, err)
		}
		rec.ExecutionOptions = &eo
	}
	return &rec, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
