package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobqueue/internal/app"
	"jobqueue/pkg/logx"
)

func NewServeCmd(o *options) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, worker pool and API",
		Long: `Run the scheduler, worker pool and HTTP API until interrupted.

Without --config the built-in defaults are used: in-memory storage,
four workers and the API on 127.0.0.1:8470. The config file is watched
and most sections apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := o.logger()
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(o.configPath(), app.Options{})
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
				defer c()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			// The app context is a child of ctx, so a signal closes both.
			reason := app.StopSignal
			if ctx.Err() == nil {
				reason = app.StopFatalError
				log.Error("app stopped unexpectedly", logx.Err(a.Err()))
			}

			stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
			defer c()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "upper bound for graceful shutdown")
	return cmd
}
