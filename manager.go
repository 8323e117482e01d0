package labagent

import (
	"context"
)

// DeviceManager is the device-control surface the rest of the lab depends on.
// Each platform provides one implementation; operations that make no sense on
// a platform return a conservative default instead of failing.
//
// The optional per-device logger travels in ctx (see WithDeviceLogger).
type DeviceManager interface {
	Platform() Platform
	Init(ctx context.Context) error
	Refresh(ctx context.Context) error

	// DeviceList returns every known device; ActiveDeviceList only reachable
	// ones. Both return a non-nil snapshot, or ErrNotInitialized.
	DeviceList(ctx context.Context) ([]Device, error)
	ActiveDeviceList(ctx context.Context) ([]Device, error)
	SetPrivate(serial string, private bool)

	Screenshot(ctx context.Context, dev Device) (string, error)
	WakeUp(ctx context.Context, dev Device) error
	BackToHome(ctx context.Context, dev Device) error
	LaunchApp(ctx context.Context, dev Device, pkg string) error
	IsAppRunningForeground(ctx context.Context, dev Device, pkg string) (bool, error)

	InstallApp(ctx context.Context, dev Device, appPath string) error
	UninstallApp(ctx context.Context, dev Device, pkg string) error
	IsAppInstalled(ctx context.Context, dev Device, pkg string) (bool, error)
	ResetPackage(ctx context.Context, dev Device, pkg string) error
	RemoveFile(ctx context.Context, dev Device, pathOnDevice string) error

	GrantPermission(ctx context.Context, dev Device, pkg, permission string) (bool, error)
	GrantAllTaskNeededPermissions(ctx context.Context, dev Device, task *Task) (bool, error)
	AddToBatteryWhiteList(ctx context.Context, dev Device, pkg string) (bool, error)
	GrantProjectionAndBatteryPermission(ctx context.Context, dev Device, recordPkg string) (bool, error)
	SetLauncherAsDefault(ctx context.Context, dev Device, pkg, activity string) (bool, error)

	GetProperty(ctx context.Context, dev Device, property string) (string, error)
	SetProperty(ctx context.Context, dev Device, property, value string) error

	LogCollector(ctx context.Context, dev Device, pkg string, result *DeviceTestTask) LogCollector
	ScreenRecorder(ctx context.Context, dev Device, dir string) ScreenRecorder

	AcquireDriverSession(ctx context.Context, dev Device) (DriverSession, error)
	// ReleaseDriverSession is idempotent: releasing twice is a no-op.
	ReleaseDriverSession(ctx context.Context, dev Device) error

	// TestDeviceSetup prepares a device for a run. Once it succeeded,
	// TestDeviceUnset must be called exactly once, even if the run failed.
	TestDeviceSetup(ctx context.Context, dev Device) error
	TestDeviceUnset(ctx context.Context, dev Device) error
}

// LogCollector gathers device logs for one package during a run.
type LogCollector interface {
	Start(ctx context.Context) error
	// Stop ends collection and returns the local log file path.
	Stop(ctx context.Context) (string, error)
}

// ScreenRecorder records the device screen during a run.
type ScreenRecorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (string, error)
}

// ElementQuery selects a structural subset of the current UI tree.
type ElementQuery int

const (
	// QueryLeaves selects elements with no children.
	QueryLeaves ElementQuery = iota
	// QueryAll selects every element.
	QueryAll
)

// XPath returns the xpath expression for the query.
func (q ElementQuery) XPath() string {
	if q == QueryAll {
		return "//*"
	}
	return "//*[not(*)]"
}

// AppState mirrors the Appium application state values.
type AppState int

const (
	AppStateNotInstalled        AppState = 0
	AppStateNotRunning          AppState = 1
	AppStateRunningBackground   AppState = 2
	AppStateRunningBackgroundOK AppState = 3
	AppStateRunningForeground   AppState = 4
)

// DriverSession is a live remote-automation connection to one device.
// Implementations return ElementChurn for element-level failures and
// SessionFatal for failures of the session itself.
type DriverSession interface {
	ID() string
	FindElements(ctx context.Context, query ElementQuery) ([]Element, error)
	QueryAppState(ctx context.Context, appID string) (AppState, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Element is a UI element reference held by a driver session.
type Element interface {
	Text(ctx context.Context) (string, error)
	Click(ctx context.Context) error
}

// BlobStorage persists captured artifacts and returns a reference URL.
type BlobStorage interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// StabilityMonitor collects repeated failures and flags unstable devices.
type StabilityMonitor interface {
	ReportFailure(serial, reason string)
	IsUnstable(serial string) bool
}

// FileAvailableCallback receives a captured file path.
type FileAvailableCallback func(path string)
