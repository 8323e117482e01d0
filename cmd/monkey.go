package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	labagent "github.com/httprunner/LabAgent"
)

func newMonkeyCmd() *cobra.Command {
	var (
		flagSerial  string
		flagPackage string
		flagRounds  int
	)

	cmd := &cobra.Command{
		Use:   "monkey",
		Short: "Run the monkey fuzz loop on one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			dev, err := a.device(cmd.Context(), flagSerial)
			if err != nil {
				return err
			}
			ctx := labagent.WithDeviceLogger(cmd.Context(), a.loggers.DeviceLogger(dev))
			if flagPackage != "" {
				if err := a.manager.LaunchApp(ctx, dev, flagPackage); err != nil {
					return err
				}
			}
			res := labagent.RunMonkey(ctx, a.manager, dev, flagPackage, flagRounds, labagent.MonkeyOptions{})
			if err := a.manager.ReleaseDriverSession(ctx, dev); err != nil {
				log.Warn().Err(err).Msg("release driver session failed")
			}
			log.Info().
				Str("serial", dev.Serial).
				Int("rounds", res.Rounds).
				Int("actions", res.Actions).
				Int("recoveries", res.Recoveries).
				Bool("aborted", res.Aborted).
				Msg("monkey finished")
			return res.Cause
		},
	}
	cmd.Flags().StringVar(&flagSerial, "serial", "", "设备序列号（只连接一台设备时可省略）")
	cmd.Flags().StringVar(&flagPackage, "package", "", "被测应用包名 / bundle id")
	cmd.Flags().IntVar(&flagRounds, "rounds", 100, "随机操作轮数")
	return cmd
}
