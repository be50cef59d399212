// Package sqlitestore implements taskflow.EventLog and taskflow.TaskRepository on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	taskflow "github.com/UniQw/taskflow-go"
	_ "modernc.org/sqlite"
)

// Store keeps the WAL, task rows and task events in one SQLite database.
type Store struct {
	db  *sql.DB
	enc taskflow.Encoder
}

var (
	_ taskflow.EventLog       = (*Store)(nil)
	_ taskflow.TaskRepository = (*Store)(nil)
)

// Open opens (creating if needed) the database file at path and its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	return open(ctx, dsn)
}

// OpenMemory opens a named in-memory database. Stores opened with the same
// name share it until the last one is closed.
func OpenMemory(ctx context.Context, name string) (*Store, error) {
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
}

func open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; reads never run while another statement is iterating.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, enc: &taskflow.JSONEncoder{}}
	if err := s.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Initialize creates the schema when missing.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
