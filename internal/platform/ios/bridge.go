package ios

import (
	"context"
	"encoding/json"
	"strings"

	goios "github.com/danielpaulus/go-ios/ios"
	"github.com/danielpaulus/go-ios/ios/installationproxy"
	"github.com/danielpaulus/go-ios/ios/instruments"
	"github.com/danielpaulus/go-ios/ios/screenshotr"
	"github.com/danielpaulus/go-ios/ios/zipconduit"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// NativeDevice is one device reported by usbmuxd, enriched with lockdown
// values when the device answers.
type NativeDevice struct {
	UDID           string
	Name           string
	ProductType    string
	ProductVersion string
}

// Bridge is the native iOS transport.
type Bridge interface {
	Devices(ctx context.Context) ([]NativeDevice, error)
	Screenshot(ctx context.Context, udid string) ([]byte, error)
	Install(ctx context.Context, udid, appPath string) error
	Uninstall(ctx context.Context, udid, bundleID string) error
	InstalledApps(ctx context.Context, udid string) ([]string, error)
	Launch(ctx context.Context, udid, bundleID string) error
}

// GoIOSBridge talks to usbmuxd and the lockdown services through go-ios.
// go-ios calls take no context, so ctx is only checked before each call;
// callers bound the call itself with the native timeout.
type GoIOSBridge struct{}

func (GoIOSBridge) Devices(ctx context.Context) ([]NativeDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := goios.ListDevices()
	if err != nil {
		return nil, errors.Wrap(err, "list usbmux devices")
	}
	seen := make(map[string]bool, len(list.DeviceList))
	devices := make([]NativeDevice, 0, len(list.DeviceList))
	for _, entry := range list.DeviceList {
		udid := strings.TrimSpace(entry.Properties.SerialNumber)
		// usbmuxd lists a device once per connection type
		if udid == "" || seen[udid] {
			continue
		}
		seen[udid] = true
		nd := NativeDevice{UDID: udid}
		values, err := goios.GetValues(entry)
		if err != nil {
			log.Warn().Err(err).Str("serial", udid).Msg("read lockdown values failed")
		} else {
			nd.Name = values.Value.DeviceName
			nd.ProductType = values.Value.ProductType
			nd.ProductVersion = values.Value.ProductVersion
		}
		devices = append(devices, nd)
	}
	return devices, nil
}

func (GoIOSBridge) Screenshot(ctx context.Context, udid string) ([]byte, error) {
	device, err := lookup(ctx, udid)
	if err != nil {
		return nil, err
	}
	conn, err := screenshotr.New(device)
	if err != nil {
		return nil, errors.Wrap(err, "start screenshotr")
	}
	defer conn.Close()
	png, err := conn.TakeScreenshot()
	return png, errors.Wrap(err, "take screenshot")
}

func (GoIOSBridge) Install(ctx context.Context, udid, appPath string) error {
	device, err := lookup(ctx, udid)
	if err != nil {
		return err
	}
	conn, err := zipconduit.New(device)
	if err != nil {
		return errors.Wrap(err, "start zipconduit")
	}
	return errors.Wrapf(conn.SendFile(appPath), "install %s", appPath)
}

func (GoIOSBridge) Uninstall(ctx context.Context, udid, bundleID string) error {
	device, err := lookup(ctx, udid)
	if err != nil {
		return err
	}
	conn, err := installationproxy.New(device)
	if err != nil {
		return errors.Wrap(err, "start installation proxy")
	}
	defer conn.Close()
	return errors.Wrapf(conn.Uninstall(bundleID), "uninstall %s", bundleID)
}

func (GoIOSBridge) InstalledApps(ctx context.Context, udid string) ([]string, error) {
	device, err := lookup(ctx, udid)
	if err != nil {
		return nil, err
	}
	conn, err := installationproxy.New(device)
	if err != nil {
		return nil, errors.Wrap(err, "start installation proxy")
	}
	defer conn.Close()
	apps, err := conn.BrowseUserApps()
	if err != nil {
		return nil, errors.Wrap(err, "browse user apps")
	}
	// go-ios has changed the AppInfo shape across releases; read the
	// bundle id from its JSON form.
	raw, err := json.Marshal(apps)
	if err != nil {
		return nil, errors.Wrap(err, "encode app list")
	}
	return bundleIDs(raw), nil
}

func (GoIOSBridge) Launch(ctx context.Context, udid, bundleID string) error {
	device, err := lookup(ctx, udid)
	if err != nil {
		return err
	}
	pc, err := instruments.NewProcessControl(device)
	if err != nil {
		return errors.Wrap(err, "start process control")
	}
	defer pc.Close()
	_, err = pc.LaunchApp(bundleID, nil)
	return errors.Wrapf(err, "launch %s", bundleID)
}

func lookup(ctx context.Context, udid string) (goios.DeviceEntry, error) {
	if err := ctx.Err(); err != nil {
		return goios.DeviceEntry{}, err
	}
	device, err := goios.GetDevice(udid)
	return device, errors.Wrapf(err, "find device %s", udid)
}

func bundleIDs(raw []byte) []string {
	var ids []string
	gjson.GetBytes(raw, "#.CFBundleIdentifier").ForEach(func(_, id gjson.Result) bool {
		if s := id.String(); s != "" {
			ids = append(ids, s)
		}
		return true
	})
	return ids
}
