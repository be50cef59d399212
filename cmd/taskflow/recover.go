package main

import (
	"context"

	taskflow "github.com/UniQw/taskflow-go"
	"github.com/spf13/cobra"
)

func newRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run one background recovery scan and print its outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			if err := e.Start(ctx); err != nil {
				return err
			}
			batch, err := e.Recovery().RecoverBackgroundTasks(ctx)
			if serr := e.Stop(context.WithoutCancel(ctx)); err == nil {
				err = serr
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{
				"found":     batch.Found,
				"recovered": batch.Recovered,
				"failed":    batch.Failed,
				"skipped":   batch.Skipped,
			})
		},
	}
}
