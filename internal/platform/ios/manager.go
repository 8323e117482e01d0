// Package ios implements labagent.DeviceManager for iOS devices using
// go-ios for the native transport and an Appium XCUITest server for the UI.
package ios

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"

	labagent "github.com/httprunner/LabAgent"
	"github.com/httprunner/LabAgent/internal/appium"
)

// Config configures the iOS manager.
type Config struct {
	labagent.BaseConfig
	// Bridge defaults to GoIOSBridge.
	Bridge   Bridge
	Sessions *appium.Pool
}

// Manager drives iOS devices.
type Manager struct {
	*labagent.BaseManager
	bridge   Bridge
	sessions *appium.Pool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Bridge == nil {
		cfg.Bridge = GoIOSBridge{}
	}
	return &Manager{
		BaseManager: labagent.NewBaseManager(cfg.BaseConfig),
		bridge:      cfg.Bridge,
		sessions:    cfg.Sessions,
	}, nil
}

func (m *Manager) Platform() labagent.Platform { return labagent.PlatformIOS }

func (m *Manager) Init(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return errors.Wrap(err, "ios: init device list")
	}
	return m.BaseManager.Init(ctx)
}

// rejecting runs a bridge call that the device may refuse. Timeouts stay
// TransportTimeout; any other failure is the device's answer.
func (m *Manager) rejecting(ctx context.Context, op, serial string, fn func(ctx context.Context) error) error {
	err := m.RunNative(ctx, op, serial, fn)
	if err == nil || labagent.IsKind(err, labagent.KindTransportTimeout) {
		return err
	}
	return labagent.NativeRejection(op, serial, errors.Cause(err).Error())
}

// Refresh lists attached devices. Listed devices are reachable, so they map
// to the online signal; devices missing from the listing are handled by
// the snapshot merge.
func (m *Manager) Refresh(ctx context.Context) error {
	natives, err := labagent.CallNative(ctx, m.BaseManager, "list devices", "", m.bridge.Devices)
	if err != nil {
		return err
	}
	found := make([]labagent.Device, 0, len(natives))
	for _, nd := range natives {
		found = append(found, labagent.Device{
			Serial:    nd.UDID,
			Name:      nd.Name,
			Model:     nd.ProductType,
			OSVersion: nd.ProductVersion,
			Platform:  labagent.PlatformIOS,
			Signal:    labagent.SignalOnline,
		})
	}
	connected, disconnected := m.ApplySnapshot(found, time.Now())
	logger := m.Logger(ctx)
	for _, serial := range connected {
		logger.Info().Str("serial", serial).Msg("ios device connected")
	}
	for _, serial := range disconnected {
		logger.Warn().Str("serial", serial).Msg("ios device disconnected")
	}
	return nil
}

func (m *Manager) Screenshot(ctx context.Context, dev labagent.Device) (string, error) {
	local, err := m.NewScreenshotPath(dev)
	if err != nil {
		return "", err
	}
	png, err := labagent.CallNative(ctx, m.BaseManager, "screenshot", dev.Serial, func(ctx context.Context) ([]byte, error) {
		return m.bridge.Screenshot(ctx, dev.Serial)
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(local, png, 0o644); err != nil {
		return "", errors.Wrapf(err, "write screenshot %s", local)
	}
	return local, nil
}

// session returns the open driver session of dev, opening one when needed.
func (m *Manager) session(ctx context.Context, dev labagent.Device) (*appium.Session, error) {
	if m.sessions == nil {
		return nil, labagent.SessionFatal("acquire driver session", dev.Serial, errors.New("no appium server configured"))
	}
	return m.sessions.Acquire(ctx, dev)
}

func (m *Manager) WakeUp(ctx context.Context, dev labagent.Device) error {
	s, err := m.session(ctx, dev)
	if err != nil {
		return err
	}
	_, err = s.Execute(ctx, "mobile: unlock")
	return err
}

func (m *Manager) BackToHome(ctx context.Context, dev labagent.Device) error {
	s, err := m.session(ctx, dev)
	if err != nil {
		return err
	}
	return s.PressHome(ctx)
}

func (m *Manager) LaunchApp(ctx context.Context, dev labagent.Device, pkg string) error {
	return m.rejecting(ctx, "launch app", dev.Serial, func(ctx context.Context) error {
		return m.bridge.Launch(ctx, dev.Serial, pkg)
	})
}

// IsAppRunningForeground compares the XCUITest application state with
// RUNNING_IN_FOREGROUND.
func (m *Manager) IsAppRunningForeground(ctx context.Context, dev labagent.Device, pkg string) (bool, error) {
	s, err := m.session(ctx, dev)
	if err != nil {
		return false, err
	}
	return labagent.QueryForeground(ctx, s, pkg, labagent.AppStateRunningForeground)
}

func (m *Manager) InstallApp(ctx context.Context, dev labagent.Device, appPath string) error {
	err := m.rejecting(ctx, "install app", dev.Serial, func(ctx context.Context) error {
		return m.bridge.Install(ctx, dev.Serial, appPath)
	})
	if err != nil {
		if labagent.IsKind(err, labagent.KindNativeRejection) {
			m.ReportFailure(dev.Serial, err.Error())
		}
		return err
	}
	m.Logger(ctx).Info().Str("serial", dev.Serial).Str("app", appPath).Msg("app installed")
	return nil
}

func (m *Manager) UninstallApp(ctx context.Context, dev labagent.Device, pkg string) error {
	return m.rejecting(ctx, "uninstall app", dev.Serial, func(ctx context.Context) error {
		return m.bridge.Uninstall(ctx, dev.Serial, pkg)
	})
}

func (m *Manager) IsAppInstalled(ctx context.Context, dev labagent.Device, pkg string) (bool, error) {
	apps, err := labagent.CallNative(ctx, m.BaseManager, "list apps", dev.Serial, func(ctx context.Context) ([]string, error) {
		return m.bridge.InstalledApps(ctx, dev.Serial)
	})
	if err != nil {
		return false, err
	}
	return slices.Contains(apps, pkg), nil
}

// ResetPackage reinstall is the only way to clear app data on iOS; it is
// not supported here.
func (m *Manager) ResetPackage(ctx context.Context, dev labagent.Device, pkg string) error {
	m.Logger(ctx).Warn().Str("serial", dev.Serial).Str("package", pkg).Msg("reset package is not supported on ios")
	return nil
}

func (m *Manager) RemoveFile(ctx context.Context, dev labagent.Device, pathOnDevice string) error {
	return nil
}

func (m *Manager) AcquireDriverSession(ctx context.Context, dev labagent.Device) (labagent.DriverSession, error) {
	s, err := m.session(ctx, dev)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) ReleaseDriverSession(ctx context.Context, dev labagent.Device) error {
	if m.sessions == nil {
		return nil
	}
	return m.sessions.Release(ctx, dev.Serial)
}

func (m *Manager) TestDeviceSetup(ctx context.Context, dev labagent.Device) error {
	return nil
}

func (m *Manager) TestDeviceUnset(ctx context.Context, dev labagent.Device) error {
	restoreErr := m.RunRestores(ctx, dev.Serial)
	if err := m.ReleaseDriverSession(ctx, dev); err != nil {
		m.Logger(ctx).Warn().Err(err).Str("serial", dev.Serial).Msg("release driver session on unset failed")
	}
	return restoreErr
}

// syslogCollector reads syslog entries buffered by the driver session.
type syslogCollector struct {
	m      *Manager
	dev    labagent.Device
	result *labagent.DeviceTestTask
}

func (m *Manager) LogCollector(ctx context.Context, dev labagent.Device, pkg string, result *labagent.DeviceTestTask) labagent.LogCollector {
	return &syslogCollector{m: m, dev: dev, result: result}
}

func (c *syslogCollector) Start(ctx context.Context) error {
	s, err := c.m.session(ctx, c.dev)
	if err != nil {
		return err
	}
	// Drain what was buffered before the run.
	_, err = s.Logs(ctx, "syslog")
	return err
}

func (c *syslogCollector) Stop(ctx context.Context) (string, error) {
	s, err := c.m.session(ctx, c.dev)
	if err != nil {
		return "", err
	}
	lines, err := s.Logs(ctx, "syslog")
	if err != nil {
		return "", err
	}
	dir := os.TempDir()
	if c.result != nil && c.result.ResultDir != "" {
		dir = c.result.ResultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create log dir")
	}
	logPath := filepath.Join(dir, "syslog.log")
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	return logPath, errors.Wrap(os.WriteFile(logPath, []byte(content), 0o644), "write syslog")
}

// driverRecorder records through the XCUITest screen recorder.
type driverRecorder struct {
	m   *Manager
	dev labagent.Device
	dir string
}

func (m *Manager) ScreenRecorder(ctx context.Context, dev labagent.Device, dir string) labagent.ScreenRecorder {
	return &driverRecorder{m: m, dev: dev, dir: dir}
}

func (r *driverRecorder) Start(ctx context.Context) error {
	s, err := r.m.session(ctx, r.dev)
	if err != nil {
		return err
	}
	return s.StartRecordingScreen(ctx)
}

func (r *driverRecorder) Stop(ctx context.Context) (string, error) {
	s, err := r.m.session(ctx, r.dev)
	if err != nil {
		return "", err
	}
	video, err := s.StopRecordingScreen(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create video dir")
	}
	local := filepath.Join(r.dir, "record.mp4")
	return local, errors.Wrap(os.WriteFile(local, video, 0o644), "write recording")
}

var _ labagent.DeviceManager = (*Manager)(nil)
