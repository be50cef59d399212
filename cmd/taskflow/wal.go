package main

import (
	taskflow "github.com/UniQw/taskflow-go"
	"github.com/spf13/cobra"
)

func newWALCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect and maintain the write-ahead event log",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print entry counts and the flush checkpoint",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, closeStore, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer closeStore()
				stats, err := st.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Materialize pending entries into the repository",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, closeStore, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer closeStore()
				f := taskflow.NewFlusher(a.settings.Engine.Flush, st, st, taskflow.NewSlogLogger(a.log))
				n, err := f.Flush(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"flushed": n})
			},
		},
		&cobra.Command{
			Use:   "trim",
			Short: "Delete entries already materialized (at or below the checkpoint)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, closeStore, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer closeStore()
				n, err := st.Trim(cmd.Context())
				if err != nil {
					return err
				}
				a.log.Info("wal trimmed", "removed", n)
				return printJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
			},
		},
	)
	return cmd
}
