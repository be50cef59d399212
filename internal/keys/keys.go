package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
// Every key carries the {namespace} hash tag so multi-key scripts stay on
// one cluster slot.

func WAL(ns string) string        { return "taskflow:{" + ns + "}:wal" }
func WALSeq(ns string) string     { return "taskflow:{" + ns + "}:wal_seq" }
func WALIDs(ns string) string     { return "taskflow:{" + ns + "}:wal_ids" }
func Checkpoint(ns string) string { return "taskflow:{" + ns + "}:checkpoint" }

// TaskIndex is a HASH from idempotency key to the id of the newest task with that key.
func TaskIndex(ns string) string { return "taskflow:{" + ns + "}:task_index" }

// Running is a ZSET of running task ids of one task type scored by last heartbeat (ms).
func Running(ns, taskType string) string { return "taskflow:{" + ns + "}:running:" + taskType }

// Task holds the task record JSON.
func Task(ns, id string) string { return "taskflow:{" + ns + "}:task:" + id }

// Events is a ZSET of event JSON scored by per-task seq.
func Events(ns, id string) string { return "taskflow:{" + ns + "}:events:" + id }

// EventSeq is the per-task seq counter for Events.
func EventSeq(ns, id string) string { return "taskflow:{" + ns + "}:event_seq:" + id }

// EventIDs is the SET of event ids already stored for a task.
func EventIDs(ns, id string) string { return "taskflow:{" + ns + "}:event_ids:" + id }

// Namespace holds the namespace-wide keys precomputed to avoid repeated concatenations.
type Namespace struct {
	Name       string
	WAL        string
	WALSeq     string
	WALIDs     string
	Checkpoint string
	TaskIndex  string
	prefix     string
}

// For returns the precomputed keys for ns.
func For(ns string) Namespace {
	prefix := "taskflow:{" + ns + "}:"
	return Namespace{
		Name:       ns,
		WAL:        prefix + "wal",
		WALSeq:     prefix + "wal_seq",
		WALIDs:     prefix + "wal_ids",
		Checkpoint: prefix + "checkpoint",
		TaskIndex:  prefix + "task_index",
		prefix:     prefix,
	}
}

func (n Namespace) Running(taskType string) string { return n.prefix + "running:" + taskType }
func (n Namespace) Task(id string) string          { return n.prefix + "task:" + id }
func (n Namespace) Events(id string) string        { return n.prefix + "events:" + id }
func (n Namespace) EventSeq(id string) string      { return n.prefix + "event_seq:" + id }
func (n Namespace) EventIDs(id string) string      { return n.prefix + "event_ids:" + id }

// Pattern matches every key of the namespace, for SCAN.
func (n Namespace) Pattern() string { return n.prefix + "*" }
