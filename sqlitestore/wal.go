package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	taskflow "github.com/UniQw/taskflow-go"
)

// AppendEvent appends ev to the WAL. Appending an id twice keeps the first entry.
func (s *Store) AppendEvent(ctx context.Context, ev taskflow.TaskEvent) error {
	if ev.ID == "" {
		return &taskflow.ValidationError{Field: "event id", Reason: "must not be empty"}
	}
	raw, err := s.enc.Encode(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wal (event_id, payload) VALUES (?, ?) ON CONFLICT(event_id) DO NOTHING`,
		string(ev.ID), string(raw))
	if err != nil {
		return fmt.Errorf("append wal entry: %w", err)
	}
	return nil
}

// ReadEntriesFromCheckpoint returns up to limit WAL entries after checkpoint.
func (s *Store) ReadEntriesFromCheckpoint(ctx context.Context, checkpoint int64, limit int) ([]taskflow.LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM wal WHERE seq > ? ORDER BY seq LIMIT ?`, checkpoint, limit)
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}
	defer rows.Close()

	var out []taskflow.LogEntry
	for rows.Next() {
		var (
			off     int64
			payload string
		)
		if err := rows.Scan(&off, &payload); err != nil {
			return nil, err
		}
		var ev taskflow.TaskEvent
		if err := s.enc.Decode([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode wal entry %d: %w", off, err)
		}
		out = append(out, taskflow.LogEntry{Offset: off, Event: ev})
	}
	return out, rows.Err()
}

// Checkpoint returns the last flushed offset, 0 when none was stored.
func (s *Store) Checkpoint(ctx context.Context) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT position FROM wal_checkpoint WHERE id = 1`).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}

// SetCheckpoint stores the last flushed offset.
func (s *Store) SetCheckpoint(ctx context.Context, offset int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wal_checkpoint (id, position) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET position = excluded.position
	`, offset)
	return err
}

// Stats reports WAL size and flush progress.
func (s *Store) Stats(ctx context.Context) (taskflow.EventLogStats, error) {
	cp, err := s.Checkpoint(ctx)
	if err != nil {
		return taskflow.EventLogStats{}, err
	}
	st := taskflow.EventLogStats{Checkpoint: cp}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(seq > ?), 0) FROM wal
	`, cp).Scan(&st.Entries, &st.Pending)
	if err != nil {
		return taskflow.EventLogStats{}, err
	}
	// sqlite_sequence keeps the highest offset even after Trim.
	err = s.db.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = 'wal'`).Scan(&st.LastOffset)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return taskflow.EventLogStats{}, err
	}
	return st, nil
}

// Trim deletes WAL entries at or below the checkpoint and returns how many were removed.
func (s *Store) Trim(ctx context.Context) (int, error) {
	cp, err := s.Checkpoint(ctx)
	if err != nil || cp == 0 {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM wal WHERE seq <= ?`, cp)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
