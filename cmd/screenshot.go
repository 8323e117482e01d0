package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newScreenshotCmd() *cobra.Command {
	var flagSerial string

	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture a screenshot from one device",
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
			path, err := a.manager.Screenshot(cmd.Context(), dev)
			if err != nil {
				return err
			}
			log.Info().Str("serial", dev.Serial).Str("path", path).Msg("screenshot captured")
			fmt.Println(path)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSerial, "serial", "", "设备序列号（只连接一台设备时可省略）")
	return cmd
}
