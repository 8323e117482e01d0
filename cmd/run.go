package main

import (
	"time"

	"github.com/spf13/cobra"

	labagent "github.com/httprunner/LabAgent"
)

func newRunCmd() *cobra.Command {
	var (
		flagID           string
		flagType         string
		flagPackage      string
		flagAppPath      string
		flagSerial       string
		flagRounds       int
		flagPermissions  []string
		flagResultDir    string
		flagRecordScreen bool
		flagCaptureDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Admit a test task and run it on the selected devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			capture := labagent.NewCaptureScheduler(a.manager, labagent.CaptureOptions{
				Workers:     a.settings.CaptureWorkers,
				QueueSize:   a.settings.CaptureQueue,
				MinInterval: a.settings.CaptureInterval,
			})
			defer capture.Close()

			runner, err := labagent.NewRunner(a.manager, labagent.RunnerConfig{
				AgentName:    a.settings.AgentName,
				ResultDir:    resultDir(flagResultDir, a.settings.TestBaseDir),
				Selector:     a.selector(),
				Capture:      capture,
				CaptureDelay: flagCaptureDelay,
				RecordScreen: flagRecordScreen,
				Recorder:     a.store,
			})
			if err != nil {
				return err
			}
			task := &labagent.Task{
				ID:           flagID,
				Type:         labagent.TaskType(flagType),
				PackageName:  flagPackage,
				AppPath:      flagAppPath,
				DeviceSerial: flagSerial,
				MonkeyRounds: flagRounds,
				Permissions:  flagPermissions,
			}
			run, err := runner.Run(cmd.Context(), task)
			logRunResults(run)
			return err
		},
	}
	cmd.Flags().StringVar(&flagID, "id", "", "任务 ID（为空时自动生成）")
	cmd.Flags().StringVar(&flagType, "type", string(labagent.TaskTypeCross), "任务类型 (cross/parallel/targeted)")
	cmd.Flags().StringVar(&flagPackage, "package", "", "被测应用包名 / bundle id")
	cmd.Flags().StringVar(&flagAppPath, "app", "", "安装包路径（apk/ipa），为空时不安装")
	cmd.Flags().StringVar(&flagSerial, "serial", "", "targeted 任务的目标设备序列号")
	cmd.Flags().IntVar(&flagRounds, "rounds", 0, "monkey 轮数，0 表示不执行 monkey")
	cmd.Flags().StringSliceVar(&flagPermissions, "permission", nil, "需要授予的运行时权限，可重复")
	cmd.Flags().StringVar(&flagResultDir, "result-dir", "", "结果目录，默认 $LAB_TEST_BASE_DIR")
	cmd.Flags().BoolVar(&flagRecordScreen, "record", false, "执行期间录屏")
	cmd.Flags().DurationVar(&flagCaptureDelay, "capture-delay", 5*time.Second, "启动应用后延迟截图的时间")
	return cmd
}
