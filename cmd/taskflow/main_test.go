package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	taskflow "github.com/UniQw/taskflow-go"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// execute runs a fresh root command and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&logs)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decodeEvents(t *testing.T, out string) []taskflow.TaskEvent {
	t.Helper()
	var evs []taskflow.TaskEvent
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev taskflow.TaskEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		evs = append(evs, ev)
	}
	require.NoError(t, sc.Err())
	return evs
}

func types(evs []taskflow.TaskEvent) []taskflow.EventType {
	out := make([]taskflow.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func quietEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TASKFLOW_LOG_LEVEL", "error")
	t.Setenv("TASKFLOW_ENGINE_RETRY_INITIAL_DELAY", "5ms")
	t.Setenv("TASKFLOW_ENGINE_FLUSH_INTERVAL", "10ms")
}

func TestCLI_SQLiteRoundTrip(t *testing.T) {
	quietEnv(t)
	t.Setenv("TASKFLOW_STORE_SQLITE_PATH", filepath.Join(t.TempDir(), "tf.db"))

	out, err := execute(t, "--store", "sqlite", "run", "sum", `{"a":2,"b":3}`, "--user", "u1")
	require.NoError(t, err)
	evs := decodeEvents(t, out)
	require.Equal(t, []taskflow.EventType{taskflow.EventStart, taskflow.EventComplete}, types(evs))
	require.JSONEq(t, `{"sum":5}`, string(evs[1].Result))
	key := string(evs[0].IdempotencyKey)

	out, err = execute(t, "--store", "sqlite", "wal", "stats")
	require.NoError(t, err)
	var st taskflow.EventLogStats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, int64(2), st.Entries)
	require.Zero(t, st.Pending, "stop flushes the log")

	out, err = execute(t, "--store", "sqlite", "replay", key, "--user", "u1")
	require.NoError(t, err)
	var replay replayOutput
	require.NoError(t, json.Unmarshal([]byte(out), &replay))
	require.Equal(t, taskflow.StatusCompleted, replay.Task.Status)
	require.Len(t, replay.Events, 2)

	_, err = execute(t, "--store", "sqlite", "replay", key, "--user", "u2")
	require.Error(t, err)

	out, err = execute(t, "--store", "sqlite", "wal", "trim")
	require.NoError(t, err)
	require.JSONEq(t, `{"removed":2}`, out)

	out, err = execute(t, "--store", "sqlite", "wal", "flush")
	require.NoError(t, err)
	require.JSONEq(t, `{"flushed":0}`, out)
}

func TestCLI_RedisRetryAndRecover(t *testing.T) {
	quietEnv(t)
	s := mrd.RunT(t)
	t.Setenv("TASKFLOW_STORE_REDIS_ADDR", s.Addr())
	t.Setenv("TASKFLOW_STORE_REDIS_NAMESPACE", "cli")

	out, err := execute(t, "run", "flaky", `{"fail_times":1}`, "--background")
	require.NoError(t, err)
	evs := decodeEvents(t, out)
	require.Equal(t, []taskflow.EventType{taskflow.EventStart, taskflow.EventRetry, taskflow.EventComplete}, types(evs))
	require.JSONEq(t, `{"attempts":2}`, string(evs[2].Result))

	out, err = execute(t, "recover")
	require.NoError(t, err)
	require.JSONEq(t, `{"found":0,"recovered":0,"failed":0,"skipped":0}`, out)

	_, err = execute(t, "run", "sum", `{"a":`)
	require.ErrorIs(t, err, taskflow.ErrValidation)

	_, err = execute(t, "run", "nope", "--user", "u1")
	require.ErrorIs(t, err, taskflow.ErrNoHandler)
}

func TestCLI_InvalidConfig(t *testing.T) {
	_, err := execute(t, "--store", "mongo", "wal", "stats")
	require.ErrorIs(t, err, taskflow.ErrValidation)
}
