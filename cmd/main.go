package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/spf13/cobra"

	"github.com/httprunner/LabAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "labagent",
	Short: "Device lab agent for Android and iOS test devices",
	Long:  `labagent 管理本机连接的 Android / iOS 测试设备：设备状态上报、截图、monkey 随机测试以及按任务类型选择设备执行测试。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if level, err := zerolog.ParseLevel(strings.ToLower(rootLogLevel)); err == nil && rootLogLevel != "" {
			zerolog.SetGlobalLevel(level)
		}
	},
}

var (
	rootPlatform string
	rootLogLevel string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	rootCmd.PersistentFlags().StringVar(&rootPlatform, "platform", "android", "设备平台 (android/ios)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "日志级别 (debug/info/warn/error)")
	rootCmd.AddCommand(
		newDevicesCmd(),
		newScreenshotCmd(),
		newMonkeyCmd(),
		newRunCmd(),
		newWatchCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("labagent command failed")
	}
}
