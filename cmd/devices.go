package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	var flagAll bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices and their lab state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.manager.ActiveDeviceList
			if flagAll {
				list = a.manager.DeviceList
			}
			devices, err := list(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tNAME\tMODEL\tOS\tSTATE\tTASK")
			for _, dev := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					dev.Serial, dev.DisplayName(), dev.Model, dev.OSVersion, dev.Display(), dev.RunningTask)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&flagAll, "all", false, "包含离线和未授权设备")
	return cmd
}
