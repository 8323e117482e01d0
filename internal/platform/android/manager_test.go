package android

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	labagent "github.com/httprunner/LabAgent"
)

type fakeBridge struct {
	mu       sync.Mutex
	devices  []NativeDevice
	commands []string
	pulls    []string
	pushes   []string
	// replies maps a command prefix to its output.
	replies   map[string]string
	delay     time.Duration
	cancelled chan struct{}
}

func newFakeBridge(devices ...NativeDevice) *fakeBridge {
	return &fakeBridge{devices: devices, replies: map[string]string{
		"getprop ro.product.model":               "Pixel 7",
		"getprop ro.build.version.release":       "14",
		"getprop ro.product.marketname":          "",
		"settings get system screen_off_timeout": "60000",
	}}
}

func (b *fakeBridge) Devices(ctx context.Context) ([]NativeDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]NativeDevice(nil), b.devices...), nil
}

func (b *fakeBridge) Shell(ctx context.Context, serial, cmd string, args ...string) (string, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			if b.cancelled != nil {
				close(b.cancelled)
			}
			return "", ctx.Err()
		}
	}
	line := strings.Join(append([]string{cmd}, args...), " ")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, serial+": "+line)
	for prefix, out := range b.replies {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (b *fakeBridge) Push(ctx context.Context, serial, localPath, remotePath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushes = append(b.pushes, localPath+"->"+remotePath)
	return nil
}

func (b *fakeBridge) Pull(ctx context.Context, serial, remotePath, localPath string) error {
	b.mu.Lock()
	b.pulls = append(b.pulls, remotePath)
	b.mu.Unlock()
	return os.WriteFile(localPath, []byte("data"), 0o644)
}

func (b *fakeBridge) ran(line string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.commands {
		if strings.HasSuffix(c, ": "+line) {
			n++
		}
	}
	return n
}

func (b *fakeBridge) indexOf(line string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.commands {
		if strings.HasSuffix(c, ": "+line) {
			return i
		}
	}
	return -1
}

func newTestManager(t *testing.T, bridge *fakeBridge) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		BaseConfig: labagent.BaseConfig{ScreenshotDir: t.TempDir(), NativeTimeout: time.Second},
		Bridge:     bridge,
	})
	require.NoError(t, err)
	return m
}

func TestRefreshMapsSignalsAndCachesProps(t *testing.T) {
	bridge := newFakeBridge(
		NativeDevice{Serial: "R58M", Signal: "online"},
		NativeDevice{Serial: "EMU1", Signal: "unauthorized"},
	)
	m := newTestManager(t, bridge)

	_, err := m.DeviceList(context.Background())
	require.ErrorIs(t, err, labagent.ErrNotInitialized)

	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Refresh(context.Background()))

	devices, err := m.DeviceList(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, labagent.StateOther, devices[0].State)
	assert.Equal(t, "R58M", devices[1].Serial)
	assert.Equal(t, labagent.StateOnline, devices[1].State)
	assert.Equal(t, "Pixel 7", devices[1].Name)
	assert.Equal(t, "14", devices[1].OSVersion)
	assert.Equal(t, 1, bridge.ran("getprop ro.product.model"), "props must be cached")

	active, err := m.ActiveDeviceList(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestInstallAppRejection(t *testing.T) {
	bridge := newFakeBridge(NativeDevice{Serial: "R58M", Signal: "online"})
	bridge.replies["pm install"] = "Performing Streamed Install\nadb: failed to install: Failure [INSTALL_FAILED_ALREADY_EXISTS: pkg]"
	m := newTestManager(t, bridge)
	dev := labagent.Device{Serial: "R58M"}

	err := m.InstallApp(context.Background(), dev, "/tmp/app.apk")
	require.True(t, labagent.IsKind(err, labagent.KindNativeRejection), "got %v", err)
	var typed *labagent.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "Failure [INSTALL_FAILED_ALREADY_EXISTS: pkg]", typed.Detail)
	assert.Equal(t, []string{"/tmp/app.apk->/data/local/tmp/app.apk"}, bridge.pushes)
	assert.Equal(t, 1, bridge.ran("rm -f /data/local/tmp/app.apk"))

	bridge.replies["pm install"] = "Success"
	assert.NoError(t, m.InstallApp(context.Background(), dev, "/tmp/app.apk"))
}

func TestScreenshotPullsToLocalFile(t *testing.T) {
	bridge := newFakeBridge()
	m := newTestManager(t, bridge)

	path, err := m.Screenshot(context.Background(), labagent.Device{Serial: "R58M", Name: "Pixel 7"})
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, path, "Pixel_7")
	require.Len(t, bridge.pulls, 1)
	assert.Equal(t, 1, bridge.ran("rm -f "+bridge.pulls[0]))
}

func TestShellTimeoutIsTransportTimeout(t *testing.T) {
	bridge := newFakeBridge()
	bridge.delay = 5 * time.Second
	bridge.cancelled = make(chan struct{})
	m, err := NewManager(Config{BaseConfig: labagent.BaseConfig{NativeTimeout: 20 * time.Millisecond}, Bridge: bridge})
	require.NoError(t, err)

	err = m.WakeUp(context.Background(), labagent.Device{Serial: "R58M"})
	assert.True(t, labagent.IsKind(err, labagent.KindTransportTimeout), "got %v", err)
	assert.True(t, labagent.IsRetryable(err))
	select {
	case <-bridge.cancelled:
	case <-time.After(time.Second):
		t.Fatal("shell kept running after the native timeout")
	}
}

func TestSetupUnsetRestoresInReverse(t *testing.T) {
	bridge := newFakeBridge()
	m := newTestManager(t, bridge)
	dev := labagent.Device{Serial: "R58M"}

	require.NoError(t, m.TestDeviceSetup(context.Background(), dev))
	assert.Equal(t, 1, bridge.ran("svc power stayon usb"))
	require.NoError(t, m.TestDeviceUnset(context.Background(), dev))

	stayOff := bridge.indexOf("svc power stayon false")
	timeout := bridge.indexOf("settings put system screen_off_timeout 60000")
	require.NotEqual(t, -1, stayOff)
	require.NotEqual(t, -1, timeout)
	assert.Less(t, stayOff, timeout, "restores run in reverse order")

	require.NoError(t, m.TestDeviceUnset(context.Background(), dev))
	assert.Equal(t, 1, bridge.ran("svc power stayon false"), "restores are consumed")
}

func TestForegroundFromWindowFocus(t *testing.T) {
	bridge := newFakeBridge()
	bridge.replies["dumpsys window"] = "  mCurrentFocus=Window{1f u0 com.example.app/com.example.app.MainActivity}\n"
	m := newTestManager(t, bridge)
	dev := labagent.Device{Serial: "R58M"}

	ok, err := m.IsAppRunningForeground(context.Background(), dev, "com.example.app")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.IsAppRunningForeground(context.Background(), dev, "com.other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPermissionsAndSessions(t *testing.T) {
	bridge := newFakeBridge()
	bridge.replies["pm grant com.example.app android.permission.READ_LOGS"] = "Exception occurred while executing 'grant'"
	m := newTestManager(t, bridge)
	dev := labagent.Device{Serial: "R58M"}

	ok, err := m.GrantAllTaskNeededPermissions(context.Background(), dev, &labagent.Task{
		PackageName: "com.example.app",
		Permissions: []string{"android.permission.CAMERA", "android.permission.READ_LOGS"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, bridge.ran("pm grant com.example.app android.permission.CAMERA"))

	_, err = m.AcquireDriverSession(context.Background(), dev)
	assert.True(t, labagent.IsKind(err, labagent.KindSessionFatal))
	assert.NoError(t, m.ReleaseDriverSession(context.Background(), dev))
}

func TestLogcatCollectorWritesResultDir(t *testing.T) {
	bridge := newFakeBridge()
	bridge.replies["pidof com.example.app"] = "4242\n"
	bridge.replies["logcat -d"] = "I/Example: hello\n"
	m := newTestManager(t, bridge)
	result := &labagent.DeviceTestTask{ResultDir: t.TempDir()}

	collector := m.LogCollector(context.Background(), labagent.Device{Serial: "R58M"}, "com.example.app", result)
	require.NoError(t, collector.Start(context.Background()))
	path, err := collector.Stop(context.Background())
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "I/Example: hello\n", string(raw))
	assert.Equal(t, 1, bridge.ran("logcat -d -v threadtime --pid=4242"))
}
