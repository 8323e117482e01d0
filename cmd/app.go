package main

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	labagent "github.com/httprunner/LabAgent"
	"github.com/httprunner/LabAgent/internal/appium"
	"github.com/httprunner/LabAgent/internal/blob"
	"github.com/httprunner/LabAgent/internal/config"
	"github.com/httprunner/LabAgent/internal/logsink"
	"github.com/httprunner/LabAgent/internal/platform/android"
	"github.com/httprunner/LabAgent/internal/platform/ios"
	"github.com/httprunner/LabAgent/internal/stability"
	"github.com/httprunner/LabAgent/internal/storage"
)

// app holds the collaborators shared by the commands.
type app struct {
	settings  config.Settings
	manager   labagent.DeviceManager
	store     *storage.Store
	loggers   *logsink.Factory
	sessions  *appium.Pool
	stability *stability.Monitor
}

func newApp(ctx context.Context) (*app, error) {
	settings := config.Load()
	store, err := storage.Open(settings.DBPath)
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, store: store}

	a.stability = stability.NewMonitor(settings.StabilityThreshold, settings.StabilityWindow, stability.WithStore(store))
	if err := a.stability.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("restore stability window failed")
	}
	a.loggers = logsink.NewFactory(logsink.Options{BaseDir: settings.DeviceLogDir})

	base := labagent.BaseConfig{
		TestBaseDir:        settings.TestBaseDir,
		TestBaseURLMapping: settings.TestBaseURLMapping,
		DeviceLogBaseDir:   settings.DeviceLogDir,
		ScreenshotDir:      settings.ScreenshotDir,
		NativeTimeout:      settings.NativeTimeout,
		Blob:               newBlobStorage(settings),
		Stability:          a.stability,
		Loggers:            a.loggers,
	}
	client := appium.NewClient(settings.AppiumServerURL, settings.NativeTimeout)

	a.manager, a.sessions, err = newPlatformManager(rootPlatform, base, client)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.manager.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newPlatformManager builds the device manager and its driver session pool
// for platform; an empty platform means android.
func newPlatformManager(platform string, base labagent.BaseConfig, client *appium.Client) (labagent.DeviceManager, *appium.Pool, error) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "", string(labagent.PlatformAndroid):
		bridge, err := android.NewDefaultBridge()
		if err != nil {
			return nil, nil, err
		}
		sessions := appium.NewPool(client, appium.AndroidCapabilities)
		manager, err := android.NewManager(android.Config{BaseConfig: base, Bridge: bridge, Sessions: sessions})
		if err != nil {
			return nil, nil, errors.Wrap(err, "create android manager")
		}
		return manager, sessions, nil
	case string(labagent.PlatformIOS):
		sessions := appium.NewPool(client, appium.IOSCapabilities)
		manager, err := ios.NewManager(ios.Config{BaseConfig: base, Sessions: sessions})
		if err != nil {
			return nil, nil, errors.Wrap(err, "create ios manager")
		}
		return manager, sessions, nil
	default:
		return nil, nil, errors.Errorf("unsupported platform %q", platform)
	}
}

// newBlobStorage prefers Feishu drive when credentials are configured and
// falls back to the local test base dir.
func newBlobStorage(settings config.Settings) labagent.BlobStorage {
	if settings.FeishuAppID != "" && settings.FeishuDriveFolder != "" {
		drive, err := blob.NewFeishuDrive(blob.FeishuDriveConfig{
			AppID:       settings.FeishuAppID,
			AppSecret:   settings.FeishuAppSecret,
			BaseURL:     settings.FeishuBaseURL,
			FolderToken: settings.FeishuDriveFolder,
		})
		if err == nil {
			return drive
		}
		log.Warn().Err(err).Msg("feishu drive unavailable, storing artifacts locally")
	}
	return blob.NewLocal(settings.TestBaseDir, settings.TestBaseURLMapping)
}

func (a *app) selector() labagent.DeviceSelector {
	selectors := labagent.DefaultSelectors()
	if len(a.settings.DeviceAllowlist) == 0 {
		return selectors
	}
	return labagent.NewAllowlistSelector(selectors, a.settings.DeviceAllowlist)
}

// device looks up serial among the active devices; an empty serial picks
// the only active device.
func (a *app) device(ctx context.Context, serial string) (labagent.Device, error) {
	devices, err := a.manager.ActiveDeviceList(ctx)
	if err != nil {
		return labagent.Device{}, err
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		chosen, err := labagent.CrossSelector{}.Choose(ctx, devices, nil)
		if err != nil {
			return labagent.Device{}, err
		}
		return chosen[0], nil
	}
	for _, dev := range devices {
		if dev.Serial == serial {
			return dev, nil
		}
	}
	return labagent.Device{}, errors.Errorf("device %s is not online", serial)
}

func (a *app) Close() error {
	var errs []error
	if a.sessions != nil {
		a.sessions.Close(context.Background())
	}
	if a.loggers != nil {
		errs = append(errs, a.loggers.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return stderrors.Join(errs...)
}
