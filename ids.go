package taskflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// IdempotencyKey is the deterministic fingerprint of a task request.
type IdempotencyKey string

// TaskID identifies a single task instance.
type TaskID string

// UserID identifies the owner of a task. The zero value means no owner.
type UserID string

// TaskName selects the handler definition for a task.
type TaskName string

// EventID identifies a single lifecycle event.
type EventID string

const (
	maxTaskNameLen = 128
	maxUserIDLen   = 256
)

// ParseIdempotencyKey validates s as an idempotency key.
func ParseIdempotencyKey(s string) (IdempotencyKey, error) {
	k := IdempotencyKey(s)
	return k, k.Validate()
}

// Validate reports whether the key is usable. Keys only need to be non-empty.
func (k IdempotencyKey) Validate() error {
	if strings.TrimSpace(string(k)) == "" {
		return &ValidationError{Field: "idempotency key", Reason: "must not be empty"}
	}
	return nil
}

func (k IdempotencyKey) String() string { return string(k) }

// Short returns a log-friendly prefix of the key.
func (k IdempotencyKey) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// NewTaskID returns a random task id.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

// ParseTaskID validates s as a task id (UUID).
func ParseTaskID(s string) (TaskID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", &ValidationError{Field: "task id", Reason: err.Error()}
	}
	return TaskID(s), nil
}

func (id TaskID) String() string { return string(id) }

// ParseUserID validates s as a user id.
func ParseUserID(s string) (UserID, error) {
	u := UserID(s)
	return u, u.Validate()
}

// Validate reports whether the user id is well formed.
func (u UserID) Validate() error {
	switch {
	case strings.TrimSpace(string(u)) == "":
		return &ValidationError{Field: "user id", Reason: "must not be empty"}
	case len(u) > maxUserIDLen:
		return &ValidationError{Field: "user id", Reason: "too long"}
	case strings.ContainsAny(string(u), " \t\r\n"):
		return &ValidationError{Field: "user id", Reason: "must not contain whitespace"}
	}
	return nil
}

// IsZero reports whether no user owns the task.
func (u UserID) IsZero() bool { return u == "" }

func (u UserID) String() string { return string(u) }

// ParseTaskName validates s as a task name.
func ParseTaskName(s string) (TaskName, error) {
	n := TaskName(s)
	return n, n.Validate()
}

// Validate accepts letters, digits and the separators . _ : - /
func (n TaskName) Validate() error {
	if n == "" {
		return &ValidationError{Field: "task name", Reason: "must not be empty"}
	}
	if len(n) > maxTaskNameLen {
		return &ValidationError{Field: "task name", Reason: "too long"}
	}
	for _, r := range n {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == ':', r == '-', r == '/':
		default:
			return &ValidationError{Field: "task name", Reason: "invalid character " + string(r)}
		}
	}
	return nil
}

func (n TaskName) String() string { return string(n) }

// NewEventID returns a random event id.
func NewEventID() EventID { return EventID(uuid.NewString()) }

// ParseEventID validates s as an event id (UUID).
func ParseEventID(s string) (EventID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", &ValidationError{Field: "event id", Reason: err.Error()}
	}
	return EventID(s), nil
}

func (id EventID) String() string { return string(id) }

// GenerateIdempotencyKey hashes name, input and user id into a 64-char hex
// digest. Input is canonicalized first so object key order does not matter.
func GenerateIdempotencyKey(name TaskName, input any, userID UserID) (IdempotencyKey, error) {
	canon, err := canonicalJSON(input)
	if err != nil {
		return "", &ValidationError{Field: "input", Reason: err.Error()}
	}
	doc, err := json.Marshal([]any{string(name), canon, string(userID)})
	if err != nil {
		return "", &ValidationError{Field: "input", Reason: err.Error()}
	}
	sum := sha256.Sum256(doc)
	return IdempotencyKey(hex.EncodeToString(sum[:])), nil
}

// canonicalAPI keeps numbers as their JSON literals so integers beyond 2^53
// do not collapse onto the same float64.
var canonicalAPI = sonic.Config{UseNumber: true}.Froze()

// canonicalJSON round-trips v through a generic value so maps re-encode with
// sorted keys and structs collapse to the same shape as equivalent maps.
func canonicalJSON(v any) (json.RawMessage, error) {
	raw, err := encodeInput(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := canonicalAPI.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// encodeInput returns v as JSON; raw JSON is passed through untouched.
func encodeInput(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(x) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(x) {
			return nil, &ValidationError{Field: "input", Reason: "invalid JSON"}
		}
		return x, nil
	}
	return defaultEncoder.Encode(v)
}
