package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	taskflow "github.com/UniQw/taskflow-go"
	"github.com/spf13/cobra"
)

type runFlags struct {
	user        string
	background  bool
	maxAttempts int
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <task> [input-json]",
		Short: "Submit one task, stream its events as JSON lines and wait for it",
		Example: `  taskflow run sum '{"a":1,"b":2}' --user alice
  taskflow run countdown '{"from":5,"interval_ms":200}' --user alice
  taskflow run flaky '{"fail_times":2}' --background`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			input := json.RawMessage("null")
			if len(args) == 2 {
				input = json.RawMessage(args[1])
			}

			st, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			// A one-shot run does not pick up other processes' stale work.
			e, err := a.newEngine(st, taskflow.WithoutRecoveryLoop())
			if err != nil {
				return err
			}
			if err := e.Start(ctx); err != nil {
				return err
			}
			err = a.runTask(ctx, e, cmd.OutOrStdout(), taskflow.TaskName(args[0]), input, f)
			if serr := e.Stop(context.WithoutCancel(ctx)); err == nil {
				err = serr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "owning user id")
	cmd.Flags().BoolVar(&f.background, "background", false, "submit as background work")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "override the retry attempt budget")
	return cmd
}

func (a *app) runTask(ctx context.Context, e *taskflow.Engine, w io.Writer, name taskflow.TaskName, input json.RawMessage, f runFlags) error {
	var opts []taskflow.TaskOption
	if f.background {
		opts = append(opts, taskflow.Background())
	}
	if f.maxAttempts > 0 {
		opts = append(opts, taskflow.WithExecutionOptions(taskflow.ExecutionOptions{MaxAttempts: f.maxAttempts}))
	}
	task, err := e.Submit(ctx, name, input, taskflow.UserID(f.user), opts...)
	if err != nil {
		return err
	}

	out := json.NewEncoder(w)
	for ev, err := range e.Events(ctx, task.IdempotencyKey()) {
		if err != nil {
			return err
		}
		if err := out.Encode(ev); err != nil {
			return err
		}
	}
	done, err := e.Wait(ctx, task.IdempotencyKey())
	if err != nil {
		return fmt.Errorf("task %s %s: %w", task.Name(), task.Status(), err)
	}
	a.log.Info("task finished",
		"key", done.IdempotencyKey().String(),
		"status", string(done.Status()),
		"attempt", done.Attempt(),
	)
	return nil
}
