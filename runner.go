package labagent

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RunnerConfig controls task execution.
type RunnerConfig struct {
	// AgentName is used in cross-task device names: <GOOS>-<AgentName>-<device>.
	AgentName string
	ResultDir string
	Selector  DeviceSelector
	// Capture, when set, takes a delayed screenshot after the app launched.
	Capture      *CaptureScheduler
	CaptureDelay time.Duration
	RecordScreen bool
	Recorder     RunRecorder
	Monkey       MonkeyOptions
}

// Runner admits tasks onto devices and drives the per-device workflow.
type Runner struct {
	manager  DeviceManager
	cfg      RunnerConfig
	registry *Registry
	book     *AssignmentBook
}

type deviceLoggerSource interface {
	DeviceLogger(dev Device) zerolog.Logger
}

type failureReporter interface {
	ReportFailure(serial, reason string)
}

type artifactUploader interface {
	UploadArtifact(ctx context.Context, localPath string) (string, error)
}

// NewRunner builds a runner on top of manager. Occupancy is mirrored onto
// the manager when it tracks running tasks.
func NewRunner(manager DeviceManager, cfg RunnerConfig) (*Runner, error) {
	if manager == nil {
		return nil, errors.New("device manager cannot be nil")
	}
	if cfg.Selector == nil {
		cfg.Selector = DefaultSelectors()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if strings.TrimSpace(cfg.ResultDir) == "" {
		cfg.ResultDir = filepath.Join(os.TempDir(), "labagent", "results")
	}
	tracker, _ := manager.(OccupancyTracker)
	return &Runner{
		manager:  manager,
		cfg:      cfg,
		registry: NewRegistry(),
		book:     NewAssignmentBook(tracker),
	}, nil
}

// Registry exposes running tasks for status reporting.
func (r *Runner) Registry() *Registry { return r.registry }

// Run admits task and blocks until every chosen device finished. Admission
// failures leave no registry entry. Device failures are recorded in the
// returned run and joined into the error.
func (r *Runner) Run(ctx context.Context, task *Task) (*TaskRun, error) {
	if task == nil {
		return nil, ContractViolation("run task", "task is nil")
	}
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	logger := log.With().Str("task_id", task.ID).Str("task_type", string(task.Type)).Logger()

	reachable, err := r.manager.ActiveDeviceList(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list reachable devices")
	}
	chosen, err := r.cfg.Selector.Choose(logger.WithContext(ctx), reachable, task)
	if err != nil {
		logger.Error().Err(err).Int("reachable", len(reachable)).Msg("task admission failed")
		return nil, err
	}
	lease, err := r.book.AcquireLease(task.ID, chosen)
	if err != nil {
		logger.Error().Err(err).Msg("acquire devices failed")
		return nil, err
	}
	run := newTaskRun(task, chosen)
	if err := r.registry.Start(task.ID, run); err != nil {
		r.book.ReleaseLease(lease)
		return nil, err
	}
	// A reset may have handed the id to a newer run; only undo our own state.
	defer func() {
		r.registry.EndRun(task.ID, run)
		r.book.ReleaseLease(lease)
	}()

	logger.Info().Strs("devices", run.Devices).Msg("task admitted")
	var g errgroup.Group
	for _, dev := range chosen {
		g.Go(func() error {
			res := r.runDevice(ctx, task, dev, run)
			return res.Err
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range run.Results() {
		if res.Err != nil {
			errs = append(errs, errors.Wrapf(res.Err, "device %s", res.DeviceSerial))
		}
	}
	logger.Info().Int("failed", len(errs)).Dur("elapsed", time.Since(run.StartAt)).Msg("task finished")
	return run, stderrors.Join(errs...)
}

// ResetByTaskID drops a stuck task: the registry entry is removed and its
// devices become schedulable again.
func (r *Runner) ResetByTaskID(ctx context.Context, taskID string) []string {
	run, ok := r.registry.Get(taskID)
	r.registry.End(taskID)
	released := r.book.Release(taskID)
	if ok {
		for _, serial := range run.Devices {
			dev := Device{Serial: serial}
			if err := r.manager.ReleaseDriverSession(ctx, dev); err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("release driver session on reset failed")
			}
		}
	}
	log.Info().Str("task_id", taskID).Strs("devices", released).Msg("task reset")
	return released
}

func (r *Runner) deviceName(task *Task, dev Device) string {
	if task.Type == TaskTypeCross || task.Type == "" {
		return fmt.Sprintf("%s-%s-%s", runtime.GOOS, r.cfg.AgentName, dev.DisplayName())
	}
	return dev.DisplayName()
}

func (r *Runner) runDevice(ctx context.Context, task *Task, dev Device, run *TaskRun) (res *DeviceTestTask) {
	name := r.deviceName(task, dev)
	res = &DeviceTestTask{
		TaskID:       task.ID,
		DeviceSerial: dev.Serial,
		DeviceName:   name,
		PackageName:  task.PackageName,
		ResultDir:    filepath.Join(r.cfg.ResultDir, sanitizePathPart(task.ID), sanitizePathPart(name)),
		Status:       ResultRunning,
		StartAt:      time.Now(),
	}
	run.setResult(res)

	var logger zerolog.Logger
	if src, ok := r.manager.(deviceLoggerSource); ok {
		logger = src.DeviceLogger(dev)
	} else {
		logger = log.With().Str("serial", dev.Serial).Logger()
	}
	logger = logger.With().Str("task_id", task.ID).Logger()
	ctx = WithDeviceLogger(ctx, logger)

	defer func() {
		if p := recover(); p != nil {
			res.Err = errors.Errorf("device worker panicked: %v", p)
		}
		res.EndAt = time.Now()
		if res.Err != nil {
			res.Status = ResultFailed
			logger.Error().Err(res.Err).Msg("device test failed")
			if reporter, ok := r.manager.(failureReporter); ok {
				reporter.ReportFailure(dev.Serial, res.Err.Error())
			}
		} else {
			res.Status = ResultSuccess
			logger.Info().Dur("elapsed", res.EndAt.Sub(res.StartAt)).Msg("device test finished")
		}
		r.publishArtifacts(context.WithoutCancel(ctx), res, &logger)
		if err := r.cfg.Recorder.RecordRun(context.WithoutCancel(ctx), newRunRecord(res)); err != nil {
			logger.Error().Err(err).Msg("record run failed")
		}
	}()

	if err := os.MkdirAll(res.ResultDir, 0o755); err != nil {
		res.Err = errors.Wrapf(err, "create result dir %s", res.ResultDir)
		return res
	}
	if err := r.manager.TestDeviceSetup(ctx, dev); err != nil {
		res.Err = errors.Wrap(err, "device setup")
		return res
	}
	defer func() {
		if err := r.manager.TestDeviceUnset(context.WithoutCancel(ctx), dev); err != nil {
			logger.Warn().Err(err).Msg("device unset failed")
		}
	}()

	res.Err = r.exercise(ctx, task, dev, res, &logger)
	return res
}

func (r *Runner) exercise(ctx context.Context, task *Task, dev Device, res *DeviceTestTask, logger *zerolog.Logger) error {
	if err := r.manager.WakeUp(ctx, dev); err != nil {
		logger.Warn().Err(err).Msg("wake up device failed")
	}
	if task.AppPath != "" {
		if err := r.manager.InstallApp(ctx, dev, task.AppPath); err != nil {
			return errors.Wrap(err, "install app")
		}
	}

	pkg := strings.TrimSpace(task.PackageName)
	if pkg != "" {
		if granted, err := r.manager.GrantAllTaskNeededPermissions(ctx, dev, task); err != nil {
			logger.Warn().Err(err).Msg("grant task permissions failed")
		} else if granted {
			logger.Info().Strs("permissions", task.Permissions).Msg("task permissions granted")
		}

		if collector := r.manager.LogCollector(ctx, dev, pkg, res); collector != nil {
			if err := collector.Start(ctx); err != nil {
				logger.Warn().Err(err).Msg("start log collector failed")
			} else {
				defer func() {
					path, err := collector.Stop(context.WithoutCancel(ctx))
					if err != nil {
						logger.Warn().Err(err).Msg("stop log collector failed")
						return
					}
					res.LogPath = path
				}()
			}
		}
	}

	if r.cfg.RecordScreen {
		if recorder := r.manager.ScreenRecorder(ctx, dev, res.ResultDir); recorder != nil {
			if err := recorder.Start(ctx); err != nil {
				logger.Warn().Err(err).Msg("start screen recorder failed")
			} else {
				defer func() {
					path, err := recorder.Stop(context.WithoutCancel(ctx))
					if err != nil {
						logger.Warn().Err(err).Msg("stop screen recorder failed")
						return
					}
					res.VideoPath = path
				}()
			}
		}
	}

	if pkg != "" {
		if err := r.manager.LaunchApp(ctx, dev, pkg); err != nil {
			return errors.Wrap(err, "launch app")
		}
	}
	if r.cfg.Capture != nil {
		if !r.cfg.Capture.ScheduleDelayed(ctx, dev, r.cfg.CaptureDelay, res.AddScreenshot) {
			logger.Warn().Msg("capture scheduler closed, skip delayed screenshot")
		}
	}

	if task.MonkeyRounds > 0 {
		res.Monkey = RunMonkey(ctx, r.manager, dev, pkg, task.MonkeyRounds, r.cfg.Monkey)
		if err := r.manager.ReleaseDriverSession(ctx, dev); err != nil {
			logger.Warn().Err(err).Msg("release driver session failed")
		}
		logger.Info().Int("rounds", res.Monkey.Rounds).Int("actions", res.Monkey.Actions).
			Int("recoveries", res.Monkey.Recoveries).Bool("aborted", res.Monkey.Aborted).Msg("monkey finished")
	}

	path, err := r.manager.Screenshot(ctx, dev)
	if err != nil {
		if IsRetryable(err) {
			logger.Warn().Err(err).Msg("final screenshot timed out")
			return nil
		}
		return errors.Wrap(err, "final screenshot")
	}
	res.AddScreenshot(path)
	return nil
}

// publishArtifacts uploads the collected files through the manager's blob
// storage. Upload failures never fail the run.
func (r *Runner) publishArtifacts(ctx context.Context, res *DeviceTestTask, logger *zerolog.Logger) {
	uploader, ok := r.manager.(artifactUploader)
	if !ok {
		return
	}
	paths := append([]string{res.LogPath, res.VideoPath}, res.ScreenshotPaths()...)
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		url, err := uploader.UploadArtifact(ctx, path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("upload artifact failed")
			continue
		}
		if url != "" {
			res.setArtifactURL(path, url)
		}
	}
}
