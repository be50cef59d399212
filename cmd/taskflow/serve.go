package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var statsEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with background recovery until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, closeStore, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			e, err := a.newEngine(st)
			if err != nil {
				return err
			}
			if err := e.Start(ctx); err != nil {
				return err
			}
			a.log.Info("engine started", "backend", a.settings.Store.Backend)

			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-ticker.C:
					s := e.Stats(ctx)
					a.log.Info("engine stats",
						"in_flight", s.InFlight,
						"completed", s.Executor.Completed,
						"running", s.Guard.Slots.Running,
						"waiting", s.Guard.Slots.Waiting,
						"dlq", s.Guard.DLQ.Size,
						"breaker", s.Breaker,
					)
				}
			}

			a.log.Info("shutting down", "timeout", a.settings.ShutdownTimeout)
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.ShutdownTimeout)
			defer cancel()
			if err := e.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&statsEvery, "stats-every", 30*time.Second, "interval between stats log lines")
	return cmd
}
