package labagent

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultNativeTimeout = 60 * time.Second
	offlineThreshold     = 5 * time.Minute
)

// DeviceLoggerFactory hands out the per-device log sink.
type DeviceLoggerFactory interface {
	DeviceLogger(dev Device) zerolog.Logger
}

// BaseConfig wires the collaborators shared by every platform.
type BaseConfig struct {
	TestBaseDir        string
	TestBaseURLMapping string
	DeviceLogBaseDir   string
	ScreenshotDir      string
	NativeTimeout      time.Duration
	Blob               BlobStorage
	Stability          StabilityMonitor
	Loggers            DeviceLoggerFactory
	Logger             *zerolog.Logger
}

// BaseManager carries state and default behaviour shared by platform
// managers. Platforms embed it and override what they support.
type BaseManager struct {
	cfg BaseConfig

	mu          sync.RWMutex
	devices     map[string]*Device
	initialized bool

	restoreMu sync.Mutex
	restores  map[string][]restoreStep
}

type restoreStep struct {
	name string
	fn   func(ctx context.Context) error
}

// NewBaseManager builds the shared base.
func NewBaseManager(cfg BaseConfig) *BaseManager {
	if cfg.NativeTimeout <= 0 {
		cfg.NativeTimeout = defaultNativeTimeout
	}
	if strings.TrimSpace(cfg.ScreenshotDir) == "" {
		cfg.ScreenshotDir = filepath.Join(os.TempDir(), "labagent", "screenshots")
	}
	return &BaseManager{
		cfg:      cfg,
		devices:  make(map[string]*Device),
		restores: make(map[string][]restoreStep),
	}
}

func (b *BaseManager) Config() BaseConfig { return b.cfg }

func (b *BaseManager) NativeTimeout() time.Duration { return b.cfg.NativeTimeout }

// WithDeviceLogger attaches a per-device logger to ctx.
func WithDeviceLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// LoggerFrom returns the logger carried by ctx, or fallback, or the global logger.
func LoggerFrom(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return &log.Logger
}

// Logger resolves the logger for an operation.
func (b *BaseManager) Logger(ctx context.Context) *zerolog.Logger {
	return LoggerFrom(ctx, b.cfg.Logger)
}

// DeviceLogger returns the per-device sink, keyed by the device serial.
func (b *BaseManager) DeviceLogger(dev Device) zerolog.Logger {
	if b.cfg.Loggers != nil {
		return b.cfg.Loggers.DeviceLogger(dev)
	}
	base := log.Logger
	if b.cfg.Logger != nil {
		base = *b.cfg.Logger
	}
	return base.With().Str("logger", "devices."+dev.Serial).Logger()
}

// Init marks the base as initialized. Platforms call it after their bridge is ready.
func (b *BaseManager) Init(ctx context.Context) error {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	return nil
}

// ApplySnapshot merges a fresh native listing into the device table and
// returns the serials that connected and disconnected since the last call.
// Devices missing from found are kept as DISCONNECTED until offlineThreshold
// elapses, unless a task still occupies them.
func (b *BaseManager) ApplySnapshot(found []Device, now time.Time) (connected, disconnected []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true

	seen := make(map[string]struct{}, len(found))
	for _, dev := range found {
		serial := strings.TrimSpace(dev.Serial)
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		dev.Serial = serial
		dev.State = MapNativeSignal(dev.Signal)
		dev.LastSeenAt = now
		if prev, ok := b.devices[serial]; ok {
			dev.RunningTask = prev.RunningTask
			dev.Private = prev.Private
			if !prev.Online() && dev.Online() {
				connected = append(connected, serial)
			}
		} else if dev.Online() {
			connected = append(connected, serial)
		}
		copied := dev
		b.devices[serial] = &copied
	}

	for serial, dev := range b.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		if dev.State != StateDisconnected {
			disconnected = append(disconnected, serial)
		}
		dev.Signal = SignalDisconnected
		dev.State = StateDisconnected
		if dev.Testing() {
			continue
		}
		if now.Sub(dev.LastSeenAt) >= offlineThreshold {
			delete(b.devices, serial)
		}
	}
	return connected, disconnected
}

func (b *BaseManager) snapshot(filter func(Device) bool) ([]Device, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.initialized {
		return []Device{}, ErrNotInitialized
	}
	out := make([]Device, 0, len(b.devices))
	for _, dev := range b.devices {
		copied := *dev
		if b.cfg.Stability != nil {
			copied.Unstable = b.cfg.Stability.IsUnstable(copied.Serial)
		}
		if filter != nil && !filter(copied) {
			continue
		}
		out = append(out, copied)
	}
	return sortDevices(out), nil
}

// DeviceList returns every known device.
func (b *BaseManager) DeviceList(ctx context.Context) ([]Device, error) {
	return b.snapshot(nil)
}

// ActiveDeviceList returns only devices whose native-derived state is ONLINE.
func (b *BaseManager) ActiveDeviceList(ctx context.Context) ([]Device, error) {
	return b.snapshot(func(d Device) bool { return d.Online() })
}

// Lookup returns the current snapshot of one device.
func (b *BaseManager) Lookup(serial string) (Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	dev, ok := b.devices[strings.TrimSpace(serial)]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// SetPrivate flags a device as private to its owner.
func (b *BaseManager) SetPrivate(serial string, private bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dev, ok := b.devices[strings.TrimSpace(serial)]; ok {
		dev.Private = private
	}
}

// SetRunningTask records occupancy. Occupancy can only be set on ONLINE
// devices; clearing (empty taskID) is always allowed.
func (b *BaseManager) SetRunningTask(serial, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[strings.TrimSpace(serial)]
	if !ok {
		if taskID == "" {
			return nil
		}
		return ContractViolation("set running task", "device %s is unknown", serial)
	}
	if taskID != "" && !dev.Online() {
		return ContractViolation("set running task", "device %s is %s, not ONLINE", serial, dev.State)
	}
	dev.RunningTask = taskID
	return nil
}

// RunNative runs a blocking bridge call bounded by the native timeout.
// fn receives the bounded context and must hand it to the bridge so a timed
// out command is cancelled; its result is discarded after the timeout.
func (b *BaseManager) RunNative(ctx context.Context, op, serial string, fn func(ctx context.Context) error) error {
	_, err := CallNative(ctx, b, op, serial, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallNative is RunNative for calls returning a value.
func CallNative[T any](ctx context.Context, b *BaseManager, op, serial string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := defaultNativeTimeout
	if b != nil {
		timeout = b.cfg.NativeTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Errorf("%s panicked: %v\n%s", op, r, debug.Stack())}
			}
		}()
		val, err := fn(callCtx)
		done <- result{val: val, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-callCtx.Done():
		if b != nil {
			b.ReportFailure(serial, op+": "+callCtx.Err().Error())
		}
		return zero, TransportTimeout(op, serial, callCtx.Err())
	}
}

// ReportFailure forwards a failure to the stability monitor, if any.
func (b *BaseManager) ReportFailure(serial, reason string) {
	if b == nil || b.cfg.Stability == nil || strings.TrimSpace(serial) == "" {
		return
	}
	b.cfg.Stability.ReportFailure(serial, reason)
}

// NewScreenshotPath allocates a unique local path for a device screenshot.
func (b *BaseManager) NewScreenshotPath(dev Device) (string, error) {
	dir := filepath.Join(b.cfg.ScreenshotDir, sanitizePathPart(dev.DisplayName()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create screenshot dir %s", dir)
	}
	name := fmt.Sprintf("%s-%s.png", time.Now().Format("20060102150405"), uuid.NewString()[:8])
	return filepath.Join(dir, name), nil
}

// UploadArtifact persists a local file through the blob storage. It returns
// an empty URL when no storage is configured.
func (b *BaseManager) UploadArtifact(ctx context.Context, localPath string) (string, error) {
	if b.cfg.Blob == nil {
		return "", nil
	}
	key := filepath.Base(localPath)
	if rel, err := filepath.Rel(b.cfg.TestBaseDir, localPath); err == nil && !strings.HasPrefix(rel, "..") && b.cfg.TestBaseDir != "" {
		key = filepath.ToSlash(rel)
	}
	url, err := b.cfg.Blob.Upload(ctx, localPath, key)
	if err != nil {
		return "", errors.Wrapf(err, "upload artifact %s", localPath)
	}
	return url, nil
}

// RelPathInURL maps a file under the test base dir to its URL path.
func (b *BaseManager) RelPathInURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	base, err := filepath.Abs(b.cfg.TestBaseDir)
	if err != nil || strings.TrimSpace(b.cfg.TestBaseDir) == "" {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(strings.Replace(abs, base, b.cfg.TestBaseURLMapping, 1))
}

// PushRestore registers an undo step for TestDeviceUnset.
func (b *BaseManager) PushRestore(serial, name string, fn func(ctx context.Context) error) {
	b.restoreMu.Lock()
	defer b.restoreMu.Unlock()
	b.restores[serial] = append(b.restores[serial], restoreStep{name: name, fn: fn})
}

// RunRestores undoes registered setup steps in reverse order. Every step
// runs even if an earlier one failed; the steps are consumed.
func (b *BaseManager) RunRestores(ctx context.Context, serial string) error {
	b.restoreMu.Lock()
	steps := b.restores[serial]
	delete(b.restores, serial)
	b.restoreMu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(ctx); err != nil {
			b.Logger(ctx).Warn().Err(err).Str("serial", serial).Str("step", steps[i].name).Msg("restore step failed")
			errs = append(errs, errors.Wrap(err, steps[i].name))
		}
	}
	return stderrors.Join(errs...)
}

// The permission family is unsupported unless a platform overrides it.

func (b *BaseManager) GrantPermission(ctx context.Context, dev Device, pkg, permission string) (bool, error) {
	return false, nil
}

func (b *BaseManager) GrantAllTaskNeededPermissions(ctx context.Context, dev Device, task *Task) (bool, error) {
	return false, nil
}

func (b *BaseManager) AddToBatteryWhiteList(ctx context.Context, dev Device, pkg string) (bool, error) {
	return false, nil
}

func (b *BaseManager) GrantProjectionAndBatteryPermission(ctx context.Context, dev Device, recordPkg string) (bool, error) {
	return false, nil
}

func (b *BaseManager) SetLauncherAsDefault(ctx context.Context, dev Device, pkg, activity string) (bool, error) {
	return false, nil
}

func (b *BaseManager) GetProperty(ctx context.Context, dev Device, property string) (string, error) {
	return "", nil
}

func (b *BaseManager) SetProperty(ctx context.Context, dev Device, property, value string) error {
	return nil
}

// QueryForeground is the reference foreground check: it asks the driver for
// the application state and compares it with the platform's foreground value.
func QueryForeground(ctx context.Context, session DriverSession, pkg string, foreground AppState) (bool, error) {
	if session == nil {
		return false, errors.New("driver session is nil")
	}
	state, err := session.QueryAppState(ctx, pkg)
	if err != nil {
		return false, err
	}
	if state != foreground {
		LoggerFrom(ctx, nil).Info().Str("package", pkg).Int("state", int(state)).Msg("app is not running in foreground")
		return false, nil
	}
	return true, nil
}

// SafeSleep waits for d or until ctx is done.
func SafeSleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func sanitizePathPart(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		default:
			return r
		}
	}, s)
}
