package taskflow

import (
	"context"
	"encoding/json"
	"time"
)

// OpKind selects what a batch Op does.
type OpKind string

const (
	// OpUpsertTask inserts the record or replaces it when the id exists.
	OpUpsertTask OpKind = "upsert_task"
	// OpUpdateTask applies Patch to an existing task. Missing tasks are skipped.
	OpUpdateTask OpKind = "update_task"
	// OpAppendEvent stores Event for its task. Duplicate event ids are ignored.
	OpAppendEvent OpKind = "append_event"
)

// TaskPatch lists the fields an OpUpdateTask changes; nil fields are left alone.
type TaskPatch struct {
	Status          *Status
	Attempt         *int
	LastHeartbeatAt *int64
	CompletedAt     *int64
	Result          json.RawMessage
	Error           *string
}

// Apply writes the patch onto rec.
func (p *TaskPatch) Apply(rec *TaskRecord) {
	if p == nil || rec == nil {
		return
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Attempt != nil {
		rec.Attempt = *p.Attempt
	}
	if p.LastHeartbeatAt != nil {
		rec.LastHeartbeatAt = *p.LastHeartbeatAt
	}
	if p.CompletedAt != nil {
		rec.CompletedAt = *p.CompletedAt
	}
	if p.Result != nil {
		rec.Result = cloneRaw(p.Result)
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
}

// Op is one write in a repository batch.
type Op struct {
	Kind   OpKind
	TaskID TaskID
	Task   *TaskRecord
	Patch  *TaskPatch
	Event  *TaskEvent
}

// TaskRepository is the persistence backend consumed by recovery and the flusher.
// Lookups of unknown tasks return ErrTaskNotFound.
type TaskRepository interface {
	Initialize(ctx context.Context) error
	FindByID(ctx context.Context, id TaskID) (*TaskRecord, error)
	FindByIdempotencyKey(ctx context.Context, key IdempotencyKey) (*TaskRecord, error)
	// FindStaleTasks returns running tasks of type typ whose last heartbeat is before olderThan,
	// oldest heartbeat first, at most limit.
	FindStaleTasks(ctx context.Context, olderThan time.Time, typ TaskType, limit int) ([]*TaskRecord, error)
	// GetEvents returns the task's events ordered by seq.
	GetEvents(ctx context.Context, id TaskID) ([]TaskEvent, error)
	ExecuteBatch(ctx context.Context, ops []Op) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// OpsForEvent translates a lifecycle event into the repository writes that
// keep the task row in step with the log.
func OpsForEvent(ev TaskEvent) []Op {
	e := ev
	ops := make([]Op, 0, 2)
	switch ev.Type {
	case EventStart:
		if ev.Recovered {
			running := StatusRunning
			hb := ev.Timestamp
			ops = append(ops, Op{Kind: OpUpdateTask, TaskID: ev.TaskID, Patch: &TaskPatch{Status: &running, LastHeartbeatAt: &hb}})
			break
		}
		ops = append(ops, Op{Kind: OpUpsertTask, TaskID: ev.TaskID, Task: &TaskRecord{
			ID:               ev.TaskID,
			IdempotencyKey:   ev.IdempotencyKey,
			Name:             ev.Name,
			Input:            cloneRaw(ev.Input),
			UserID:           ev.UserID,
			Type:             ev.TaskType,
			Status:           StatusRunning,
			Attempt:          ev.Attempt,
			ExecutionOptions: ev.ExecutionOptions,
			CreatedAt:        ev.CreatedAt,
			StartedAt:        ev.Timestamp,
			LastHeartbeatAt:  ev.Timestamp,
		}})
	case EventError:
		// Only rejections carry a final status; attempt errors are history.
		if !ev.Status.IsTerminal() {
			break
		}
		ops = append(ops, Op{Kind: OpUpsertTask, TaskID: ev.TaskID, Task: &TaskRecord{
			ID:               ev.TaskID,
			IdempotencyKey:   ev.IdempotencyKey,
			Name:             ev.Name,
			Input:            cloneRaw(ev.Input),
			UserID:           ev.UserID,
			Type:             ev.TaskType,
			Status:           ev.Status,
			Attempt:          ev.Attempt,
			Error:            ev.Message,
			ExecutionOptions: ev.ExecutionOptions,
			CreatedAt:        ev.CreatedAt,
			CompletedAt:      ev.Timestamp,
		}})
	case EventHeartbeat:
		hb := ev.Timestamp
		ops = append(ops, Op{Kind: OpUpdateTask, TaskID: ev.TaskID, Patch: &TaskPatch{LastHeartbeatAt: &hb}})
	case EventRetry:
		next := ev.Attempt + 1
		ops = append(ops, Op{Kind: OpUpdateTask, TaskID: ev.TaskID, Patch: &TaskPatch{Attempt: &next}})
	case EventComplete:
		status := ev.Status
		done := ev.Timestamp
		p := &TaskPatch{Status: &status, CompletedAt: &done, Result: cloneRaw(ev.Result)}
		if ev.Message != "" {
			msg := ev.Message
			p.Error = &msg
		}
		ops = append(ops, Op{Kind: OpUpdateTask, TaskID: ev.TaskID, Patch: p})
	}
	return append(ops, Op{Kind: OpAppendEvent, TaskID: ev.TaskID, Event: &e})
}
