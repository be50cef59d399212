package main

import (
	"context"
	"errors"

	taskflow "github.com/UniQw/taskflow-go"
	"github.com/spf13/cobra"
)

type replayOutput struct {
	Task   *taskflow.TaskRecord `json:"task"`
	Events []taskflow.TaskEvent `json:"events"`
}

func newReplayCmd(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "replay <idempotency-key>",
		Short: "Print a finished task and its persisted events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			e, err := a.newEngine(st, taskflow.WithoutRecoveryLoop())
			if err != nil {
				return err
			}
			replay, err := e.Replay(ctx, taskflow.IdempotencyKey(args[0]), taskflow.UserID(user))
			if serr := e.Stop(context.WithoutCancel(ctx)); err == nil {
				err = serr
			}
			if err != nil {
				return err
			}
			if replay == nil {
				return errors.New("no finished task stored under that key for this user")
			}
			return printJSON(cmd.OutOrStdout(), replayOutput{Task: replay.Task.Record(), Events: replay.Events})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "owning user id")
	return cmd
}
