package taskflow

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ExecutionOptions are per-task overrides of engine defaults.
type ExecutionOptions struct {
	// MaxConcurrentExecutions caps concurrent runs of tasks sharing this task's name.
	MaxConcurrentExecutions int `json:"max_concurrent_executions,omitempty"`
	// MaxAttempts overrides the retry policy's attempt budget.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// TaskRecord is the persisted form of a Task.
// It is serialized to JSON by the stores.
type TaskRecord struct {
	// ID is the unique identifier for the task.
	ID TaskID `json:"id"`
	// IdempotencyKey is the deterministic hash of name, input and user id.
	IdempotencyKey IdempotencyKey `json:"idempotency_key"`
	// Name selects the handler definition.
	Name TaskName `json:"name"`
	// Input is the raw JSON payload.
	Input json.RawMessage `json:"input,omitempty"`
	// UserID is the owner; empty for unowned background work.
	UserID UserID `json:"user_id,omitempty"`
	// Type is user or background.
	Type TaskType `json:"type"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// Attempt is the current attempt number (0 before the first start).
	Attempt int `json:"attempt"`
	// Result is the handler result stored as JSON.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the failure or cancellation message.
	Error string `json:"error,omitempty"`
	// ExecutionOptions holds per-task overrides.
	ExecutionOptions *ExecutionOptions `json:"execution_options,omitempty"`
	// CreatedAt is the timestamp (ms) when the task was created.
	CreatedAt int64 `json:"created_at"`
	// StartedAt is the timestamp (ms) of the first start.
	StartedAt int64 `json:"started_at,omitempty"`
	// LastHeartbeatAt is the timestamp (ms) of the latest heartbeat.
	LastHeartbeatAt int64 `json:"last_heartbeat_at,omitempty"`
	// CompletedAt is the timestamp (ms) when the task reached a terminal state.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

type taskOptions struct {
	id       TaskID
	typ      TaskType
	execOpts *ExecutionOptions
}

// TaskOption configures a task during NewTask or Engine.Submit.
type TaskOption func(*taskOptions)

// WithTaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func WithTaskID(id TaskID) TaskOption {
	return func(o *taskOptions) {
		o.id = id
	}
}

// WithTaskType marks the task as user or background work. Default is user.
func WithTaskType(t TaskType) TaskOption {
	return func(o *taskOptions) {
		o.typ = t
	}
}

// Background is shorthand for WithTaskType(TaskTypeBackground).
func Background() TaskOption { return WithTaskType(TaskTypeBackground) }

// WithExecutionOptions attaches per-task overrides.
func WithExecutionOptions(eo ExecutionOptions) TaskOption {
	return func(o *taskOptions) {
		o.execOpts = &eo
	}
}

// Task is a unit of work. It is mutated only through its methods and is safe
// for concurrent use.
type Task struct {
	mu sync.RWMutex

	id       TaskID
	key      IdempotencyKey
	name     TaskName
	input    json.RawMessage
	userID   UserID
	typ      TaskType
	execOpts *ExecutionOptions

	status          Status
	attempt         int
	result          json.RawMessage
	errMsg          string
	createdAt       time.Time
	startedAt       time.Time
	lastHeartbeatAt time.Time
	completedAt     time.Time
}

// NewTask validates the request and builds a task in the created state.
func NewTask(name TaskName, input any, userID UserID, opts ...TaskOption) (*Task, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	if !userID.IsZero() {
		if err := userID.Validate(); err != nil {
			return nil, err
		}
	}
	cfg := &taskOptions{typ: TaskTypeUser}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.typ != TaskTypeUser && cfg.typ != TaskTypeBackground {
		return nil, &ValidationError{Field: "task type", Reason: "unknown type " + string(cfg.typ)}
	}
	raw, err := encodeInput(input)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, &ValidationError{Field: "input", Reason: err.Error()}
	}
	key, err := GenerateIdempotencyKey(name, raw, userID)
	if err != nil {
		return nil, err
	}
	id := cfg.id
	if id == "" {
		id = NewTaskID()
	}
	return &Task{
		id:        id,
		key:       key,
		name:      name,
		input:     raw,
		userID:    userID,
		typ:       cfg.typ,
		execOpts:  cfg.execOpts,
		status:    StatusCreated,
		createdAt: time.Now(),
	}, nil
}

// FromRecord rebuilds a task from its persisted form, restoring all mutable fields.
func FromRecord(rec *TaskRecord) (*Task, error) {
	if rec == nil {
		return nil, &ValidationError{Field: "record", Reason: "nil"}
	}
	if err := rec.Name.Validate(); err != nil {
		return nil, err
	}
	if err := rec.IdempotencyKey.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseStatus(string(rec.Status)); err != nil {
		return nil, &ValidationError{Field: "status", Reason: string(rec.Status)}
	}
	typ := rec.Type
	if typ == "" {
		typ = TaskTypeUser
	}
	if _, err := ParseTaskType(string(typ)); err != nil {
		return nil, &ValidationError{Field: "task type", Reason: string(rec.Type)}
	}
	t := &Task{
		id:              rec.ID,
		key:             rec.IdempotencyKey,
		name:            rec.Name,
		input:           cloneRaw(rec.Input),
		userID:          rec.UserID,
		typ:             typ,
		status:          rec.Status,
		attempt:         rec.Attempt,
		result:          cloneRaw(rec.Result),
		errMsg:          rec.Error,
		createdAt:       msTime(rec.CreatedAt),
		startedAt:       msTime(rec.StartedAt),
		lastHeartbeatAt: msTime(rec.LastHeartbeatAt),
		completedAt:     msTime(rec.CompletedAt),
	}
	if rec.ExecutionOptions != nil {
		eo := *rec.ExecutionOptions
		t.execOpts = &eo
	}
	return t, nil
}

// Record returns a snapshot suitable for persistence.
func (t *Task) Record() *TaskRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec := &TaskRecord{
		ID:              t.id,
		IdempotencyKey:  t.key,
		Name:            t.name,
		Input:           cloneRaw(t.input),
		UserID:          t.userID,
		Type:            t.typ,
		Status:          t.status,
		Attempt:         t.attempt,
		Result:          cloneRaw(t.result),
		Error:           t.errMsg,
		CreatedAt:       unixMs(t.createdAt),
		StartedAt:       unixMs(t.startedAt),
		LastHeartbeatAt: unixMs(t.lastHeartbeatAt),
		CompletedAt:     unixMs(t.completedAt),
	}
	if t.execOpts != nil {
		eo := *t.execOpts
		rec.ExecutionOptions = &eo
	}
	return rec
}

// Start moves a created task to running and consumes the first attempt.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("start", StatusCreated); err != nil {
		return err
	}
	now := time.Now()
	t.status = StatusRunning
	t.attempt++
	t.startedAt = now
	t.lastHeartbeatAt = now
	return nil
}

// Complete stores the result and moves a running task to completed.
func (t *Task) Complete(result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("complete", StatusRunning); err != nil {
		return err
	}
	raw, err := encodeResult(result)
	if err != nil {
		return err
	}
	t.status = StatusCompleted
	t.result = raw
	t.completedAt = time.Now()
	return nil
}

// Fail stores the error message and moves a running task to failed.
func (t *Task) Fail(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("fail", StatusRunning); err != nil {
		return err
	}
	t.status = StatusFailed
	t.errMsg = errorMessage(cause)
	t.completedAt = time.Now()
	return nil
}

// Cancel moves a created or running task to cancelled.
func (t *Task) Cancel(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("cancel", StatusCreated, StatusRunning); err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled"
	}
	t.status = StatusCancelled
	t.errMsg = reason
	t.completedAt = time.Now()
	return nil
}

// RecordHeartbeat refreshes the liveness timestamp of a running task.
func (t *Task) RecordHeartbeat() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("record heartbeat", StatusRunning); err != nil {
		return err
	}
	t.lastHeartbeatAt = time.Now()
	return nil
}

// IncrementAttempt advances the attempt counter of a running task before a retry.
func (t *Task) IncrementAttempt() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("increment attempt", StatusRunning); err != nil {
		return err
	}
	t.attempt++
	return nil
}

// ResetToPending moves a failed task back to created so it can run again.
// Error, result, timestamps and the attempt counter are cleared.
func (t *Task) ResetToPending() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusFailed {
		return &TaskStateError{Op: "reset", From: t.status, Allowed: []Status{StatusFailed}}
	}
	t.status = StatusCreated
	t.errMsg = ""
	t.result = nil
	t.attempt = 0
	t.startedAt = time.Time{}
	t.lastHeartbeatAt = time.Time{}
	t.completedAt = time.Time{}
	return nil
}

// reject fails a task that never started. Only the executor uses it, for
// tasks whose handler is missing.
func (t *Task) reject(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("reject", StatusCreated); err != nil {
		return err
	}
	t.status = StatusFailed
	t.errMsg = errorMessage(cause)
	t.completedAt = time.Now()
	return nil
}

// check must be called with t.mu held.
func (t *Task) check(op string, allowed ...Status) error {
	if t.status.IsTerminal() {
		return &TaskStateError{Op: op, From: t.status, Allowed: allowed}
	}
	for _, s := range allowed {
		if t.status == s {
			return nil
		}
	}
	return &TaskStateError{Op: op, From: t.status, Allowed: allowed}
}

func (t *Task) ID() TaskID                     { return t.id }
func (t *Task) IdempotencyKey() IdempotencyKey { return t.key }
func (t *Task) Name() TaskName                 { return t.name }
func (t *Task) UserID() UserID                 { return t.userID }
func (t *Task) Type() TaskType                 { return t.typ }

// Input returns a copy of the raw JSON input.
func (t *Task) Input() json.RawMessage { return cloneRaw(t.input) }

// DecodeInput unmarshals the input into v.
func (t *Task) DecodeInput(v any) error { return defaultEncoder.Decode(t.input, v) }

// ExecutionOptions returns the per-task overrides (zero value when unset).
func (t *Task) ExecutionOptions() ExecutionOptions {
	if t.execOpts == nil {
		return ExecutionOptions{}
	}
	return *t.execOpts
}

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Attempt() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempt
}

// Result returns a copy of the raw JSON result.
func (t *Task) Result() json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneRaw(t.result)
}

// DecodeResult unmarshals the result into v.
func (t *Task) DecodeResult(v any) error {
	t.mu.RLock()
	raw := t.result
	t.mu.RUnlock()
	if len(raw) == 0 {
		return nil
	}
	return defaultEncoder.Decode(raw, v)
}

// ErrorMessage returns the failure or cancellation message.
func (t *Task) ErrorMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errMsg
}

func (t *Task) CreatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.createdAt
}

func (t *Task) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt
}

func (t *Task) LastHeartbeatAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastHeartbeatAt
}

func (t *Task) CompletedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completedAt
}

func (t *Task) IsTerminal() bool { return t.Status().IsTerminal() }
func (t *Task) IsRunning() bool  { return t.Status() == StatusRunning }

// Duration is the wall-clock time from start to completion, or to now while
// the task is still running. Tasks that never started report zero.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.startedAt.IsZero() {
		return 0
	}
	end := t.completedAt
	if end.IsZero() {
		end = time.Now()
	}
	if d := end.Sub(t.startedAt); d > 0 {
		return d
	}
	return 0
}

// DurationMs is Duration in milliseconds.
func (t *Task) DurationMs() int64 { return t.Duration().Milliseconds() }

func encodeResult(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := encodeInput(v)
	if err != nil {
		return nil, &ValidationError{Field: "result", Reason: err.Error()}
	}
	return raw, nil
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
