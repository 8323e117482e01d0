// Package android implements labagent.DeviceManager for adb-attached devices.
package android

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	labagent "github.com/httprunner/LabAgent"
	"github.com/httprunner/LabAgent/internal/appium"
)

const remoteTmpDir = "/data/local/tmp"

// Config configures the Android manager.
type Config struct {
	labagent.BaseConfig
	Bridge Bridge
	// Sessions provides Appium sessions; nil disables driver sessions.
	Sessions *appium.Pool
}

type deviceProps struct {
	name, model, osVersion string
}

// Manager drives Android devices through adb.
type Manager struct {
	*labagent.BaseManager
	bridge   Bridge
	sessions *appium.Pool

	propsMu sync.Mutex
	props   map[string]deviceProps
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("android: bridge is nil")
	}
	return &Manager{
		BaseManager: labagent.NewBaseManager(cfg.BaseConfig),
		bridge:      cfg.Bridge,
		sessions:    cfg.Sessions,
		props:       make(map[string]deviceProps),
	}, nil
}

func (m *Manager) Platform() labagent.Platform { return labagent.PlatformAndroid }

func (m *Manager) Init(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return errors.Wrap(err, "android: init device list")
	}
	return m.BaseManager.Init(ctx)
}

// Refresh re-reads the adb listing and merges it into the device table.
func (m *Manager) Refresh(ctx context.Context) error {
	natives, err := labagent.CallNative(ctx, m.BaseManager, "list devices", "", func(ctx context.Context) ([]NativeDevice, error) {
		return m.bridge.Devices(ctx)
	})
	if err != nil {
		return err
	}
	found := make([]labagent.Device, 0, len(natives))
	for _, nd := range natives {
		dev := labagent.Device{Serial: nd.Serial, Platform: labagent.PlatformAndroid, Signal: nd.Signal}
		if labagent.MapNativeSignal(nd.Signal) == labagent.StateOnline {
			props := m.deviceProps(ctx, nd.Serial)
			dev.Name, dev.Model, dev.OSVersion = props.name, props.model, props.osVersion
		}
		found = append(found, dev)
	}
	connected, disconnected := m.ApplySnapshot(found, time.Now())
	logger := m.Logger(ctx)
	for _, serial := range connected {
		logger.Info().Str("serial", serial).Msg("android device connected")
	}
	for _, serial := range disconnected {
		logger.Warn().Str("serial", serial).Msg("android device disconnected")
	}
	return nil
}

// deviceProps reads and caches the static properties of a device.
func (m *Manager) deviceProps(ctx context.Context, serial string) deviceProps {
	m.propsMu.Lock()
	cached, ok := m.props[serial]
	m.propsMu.Unlock()
	if ok {
		return cached
	}
	get := func(prop string) string {
		out, err := m.shell(ctx, serial, "getprop", prop)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(out)
	}
	props := deviceProps{
		model:     get("ro.product.model"),
		osVersion: get("ro.build.version.release"),
	}
	props.name = get("ro.product.marketname")
	if props.name == "" {
		props.name = props.model
	}
	if props.model != "" {
		m.propsMu.Lock()
		m.props[serial] = props
		m.propsMu.Unlock()
	}
	return props
}

// shell runs an adb shell command bounded by the native timeout.
func (m *Manager) shell(ctx context.Context, serial, cmd string, args ...string) (string, error) {
	op := strings.TrimSpace(cmd + " " + strings.Join(args, " "))
	return labagent.CallNative(ctx, m.BaseManager, op, serial, func(ctx context.Context) (string, error) {
		return m.bridge.Shell(ctx, serial, cmd, args...)
	})
}

// Screenshot captures the screen on the device and pulls it to a local file.
func (m *Manager) Screenshot(ctx context.Context, dev labagent.Device) (string, error) {
	local, err := m.NewScreenshotPath(dev)
	if err != nil {
		return "", err
	}
	remote := path.Join(remoteTmpDir, "labagent-"+uuid.NewString()[:8]+".png")
	err = m.RunNative(ctx, "screenshot", dev.Serial, func(ctx context.Context) error {
		if _, err := m.bridge.Shell(ctx, dev.Serial, "screencap", "-p", remote); err != nil {
			return errors.Wrap(err, "screencap")
		}
		defer m.bridge.Shell(ctx, dev.Serial, "rm", "-f", remote)
		return errors.Wrap(m.bridge.Pull(ctx, dev.Serial, remote, local), "pull screenshot")
	})
	if err != nil {
		return "", err
	}
	m.Logger(ctx).Debug().Str("serial", dev.Serial).Str("path", local).Msg("screenshot captured")
	return local, nil
}

func (m *Manager) WakeUp(ctx context.Context, dev labagent.Device) error {
	_, err := m.shell(ctx, dev.Serial, "input", "keyevent", "KEYCODE_WAKEUP")
	return err
}

func (m *Manager) BackToHome(ctx context.Context, dev labagent.Device) error {
	_, err := m.shell(ctx, dev.Serial, "input", "keyevent", "KEYCODE_HOME")
	return err
}

func (m *Manager) LaunchApp(ctx context.Context, dev labagent.Device, pkg string) error {
	out, err := m.shell(ctx, dev.Serial, "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if strings.Contains(out, "No activities found") || strings.Contains(out, "monkey aborted") {
		return labagent.NativeRejection("launch app", dev.Serial, out)
	}
	return nil
}

// IsAppRunningForeground asks the driver session when one is open, and
// falls back to the window manager focus otherwise.
func (m *Manager) IsAppRunningForeground(ctx context.Context, dev labagent.Device, pkg string) (bool, error) {
	if m.sessions != nil {
		if session, ok := m.sessions.Get(dev.Serial); ok {
			return labagent.QueryForeground(ctx, session, pkg, labagent.AppStateRunningForeground)
		}
	}
	out, err := m.shell(ctx, dev.Serial, "dumpsys", "window")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "mCurrentFocus=") || strings.HasPrefix(line, "mFocusedApp=") {
			if strings.Contains(line, pkg+"/") {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *Manager) GetProperty(ctx context.Context, dev labagent.Device, property string) (string, error) {
	out, err := m.shell(ctx, dev.Serial, "getprop", property)
	return strings.TrimSpace(out), err
}

func (m *Manager) SetProperty(ctx context.Context, dev labagent.Device, property, value string) error {
	out, err := m.shell(ctx, dev.Serial, "setprop", property, value)
	if err != nil {
		return err
	}
	if out = strings.TrimSpace(out); out != "" {
		return labagent.NativeRejection("set property "+property, dev.Serial, out)
	}
	return nil
}

func (m *Manager) RemoveFile(ctx context.Context, dev labagent.Device, pathOnDevice string) error {
	_, err := m.shell(ctx, dev.Serial, "rm", "-rf", pathOnDevice)
	return err
}

func (m *Manager) AcquireDriverSession(ctx context.Context, dev labagent.Device) (labagent.DriverSession, error) {
	if m.sessions == nil {
		return nil, labagent.SessionFatal("acquire driver session", dev.Serial, errors.New("no appium server configured"))
	}
	session, err := m.sessions.Acquire(ctx, dev)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) ReleaseDriverSession(ctx context.Context, dev labagent.Device) error {
	if m.sessions == nil {
		return nil
	}
	return m.sessions.Release(ctx, dev.Serial)
}

// TestDeviceSetup keeps the screen on for the run; every change is undone by
// TestDeviceUnset.
func (m *Manager) TestDeviceSetup(ctx context.Context, dev labagent.Device) (err error) {
	defer func() {
		if err != nil {
			_ = m.RunRestores(ctx, dev.Serial)
		}
	}()
	prev, err := m.shell(ctx, dev.Serial, "settings", "get", "system", "screen_off_timeout")
	if err != nil {
		return errors.Wrap(err, "read screen off timeout")
	}
	prev = strings.TrimSpace(prev)
	if _, err := m.shell(ctx, dev.Serial, "settings", "put", "system", "screen_off_timeout", strconv.FormatInt((30 * time.Minute).Milliseconds(), 10)); err != nil {
		return errors.Wrap(err, "extend screen off timeout")
	}
	if prev != "" && prev != "null" {
		m.PushRestore(dev.Serial, "screen_off_timeout", func(ctx context.Context) error {
			_, err := m.shell(ctx, dev.Serial, "settings", "put", "system", "screen_off_timeout", prev)
			return err
		})
	}
	if _, err := m.shell(ctx, dev.Serial, "svc", "power", "stayon", "usb"); err != nil {
		return errors.Wrap(err, "keep device awake")
	}
	m.PushRestore(dev.Serial, "stay_on", func(ctx context.Context) error {
		_, err := m.shell(ctx, dev.Serial, "svc", "power", "stayon", "false")
		return err
	})
	return nil
}

func (m *Manager) TestDeviceUnset(ctx context.Context, dev labagent.Device) error {
	restoreErr := m.RunRestores(ctx, dev.Serial)
	if err := m.ReleaseDriverSession(ctx, dev); err != nil {
		m.Logger(ctx).Warn().Err(err).Str("serial", dev.Serial).Msg("release driver session on unset failed")
	}
	return restoreErr
}

var _ labagent.DeviceManager = (*Manager)(nil)
