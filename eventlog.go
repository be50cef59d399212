package taskflow

import "context"

// LogEntry is one record of the write-ahead log.
type LogEntry struct {
	// Offset is the log position, strictly increasing in append order.
	Offset int64
	Event  TaskEvent
}

// EventLogStats is a point-in-time view of a log.
type EventLogStats struct {
	Entries    int64 `json:"entries"`
	LastOffset int64 `json:"last_offset"`
	Checkpoint int64 `json:"checkpoint"`
	Pending    int64 `json:"pending"`
}

// EventLog is the append-only durable log of lifecycle events.
// Every event is appended here before any subscriber sees it.
type EventLog interface {
	Initialize(ctx context.Context) error
	// AppendEvent must succeed without duplicating when the same event id is appended twice.
	AppendEvent(ctx context.Context, ev TaskEvent) error
	// ReadEntriesFromCheckpoint returns up to limit entries with Offset > checkpoint, oldest first.
	// A limit <= 0 means no limit.
	ReadEntriesFromCheckpoint(ctx context.Context, checkpoint int64, limit int) ([]LogEntry, error)
	Checkpoint(ctx context.Context) (int64, error)
	SetCheckpoint(ctx context.Context, offset int64) error
	Stats(ctx context.Context) (EventLogStats, error)
	Close() error
}
