package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	labagent "github.com/httprunner/LabAgent"
)

const agentVersion = "v0.1.0"

func newWatchCmd() *cobra.Command {
	var flagInterval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll devices and persist their state until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			interval := flagInterval
			if interval <= 0 {
				interval = a.settings.PollInterval
			}
			watcher, err := labagent.NewWatcher(a.manager, labagent.WatcherConfig{
				PollInterval: interval,
				AgentVersion: agentVersion,
				Recorder:     a.store,
			})
			if err != nil {
				return err
			}

			group := labagent.NewSafeGroup(ctx)
			group.GoSafe("device watcher", watcher.Start)
			log.Info().Str("platform", string(a.manager.Platform())).Dur("interval", interval).
				Str("db", a.store.Path()).Msg("device watcher started")
			if err := group.WaitOrInterrupt(5 * time.Second); err != nil && err != context.Canceled {
				return err
			}
			log.Info().Msg("device watcher stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&flagInterval, "interval", 0, "轮询间隔，默认 $LAB_POLL_INTERVAL")
	return cmd
}
