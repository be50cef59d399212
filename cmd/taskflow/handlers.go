package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	taskflow "github.com/UniQw/taskflow-go"
)

type sumInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

type countdownInput struct {
	From       int `json:"from"`
	IntervalMs int `json:"interval_ms"`
}

type flakyInput struct {
	// FailTimes is how many attempts fail before one succeeds.
	FailTimes int `json:"fail_times"`
}

var errFlaky = errors.New("flaky: simulated connection reset")

// loggingMiddleware logs the outcome and duration of every attempt.
func loggingMiddleware(l taskflow.Logger) taskflow.Middleware {
	return func(next taskflow.Handler) taskflow.Handler {
		return taskflow.HandlerFunc(func(ctx context.Context, call *taskflow.Call) (any, error) {
			start := time.Now()
			out, err := next.Run(ctx, call)
			if err != nil {
				l.Warnf("handler error: task=%s attempt=%d dur=%s err=%v", call.Task.Name(), call.Attempt, time.Since(start), err)
			} else {
				l.Debugf("handler ok: task=%s attempt=%d dur=%s", call.Task.Name(), call.Attempt, time.Since(start))
			}
			return out, err
		})
	}
}

// demoRegistry registers the handlers served by the CLI.
func demoRegistry(l taskflow.Logger) (*taskflow.Registry, error) {
	reg := taskflow.NewRegistry()
	reg.Use(loggingMiddleware(l))

	err := reg.Handle("sum", func(_ context.Context, call *taskflow.Call) (any, error) {
		var in sumInput
		if err := call.Task.DecodeInput(&in); err != nil {
			return nil, taskflow.Permanent(fmt.Errorf("decode sum input: %w", err))
		}
		return map[string]int{"sum": in.A + in.B}, nil
	})
	if err != nil {
		return nil, err
	}

	countdown := taskflow.StreamHandlerFunc(func(ctx context.Context, call *taskflow.Call) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			var in countdownInput
			if err := call.Task.DecodeInput(&in); err != nil {
				yield(nil, taskflow.Permanent(fmt.Errorf("decode countdown input: %w", err)))
				return
			}
			interval := time.Duration(in.IntervalMs) * time.Millisecond
			for n := in.From; n > 0; n-- {
				if !yield(map[string]int{"remaining": n}, nil) {
					return
				}
				select {
				case <-ctx.Done():
					yield(nil, context.Cause(ctx))
					return
				case <-time.After(interval):
				}
			}
			yield(taskflow.Final{Value: "liftoff"}, nil)
		}
	})
	if err := reg.Register(taskflow.Definition{Name: "countdown", Handler: countdown}); err != nil {
		return nil, err
	}

	err = reg.Handle("flaky", func(ctx context.Context, call *taskflow.Call) (any, error) {
		var in flakyInput
		if err := call.Task.DecodeInput(&in); err != nil {
			return nil, taskflow.Permanent(fmt.Errorf("decode flaky input: %w", err))
		}
		if call.Attempt <= in.FailTimes {
			return nil, errFlaky
		}
		return map[string]int{"attempts": call.Attempt}, nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}
