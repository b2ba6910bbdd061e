package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"matbtrainer/internal/app"
)

var exitOnEnd bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trainer engine until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.NewApp(cfgPath, app.Options{ExitOnSessionEnd: exitOnEnd})
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopSessionEnded
			if a.Err() != nil {
				reason = app.StopFatalError
			}
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := a.Stop(stopCtx, reason); err != nil {
			return err
		}
		return a.Err()
	},
}

func init() {
	runCmd.Flags().BoolVar(&exitOnEnd, "exit-on-end", false, "exit when a timed session finishes")
}
