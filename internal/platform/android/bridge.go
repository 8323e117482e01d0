package android

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"

	labagent "github.com/httprunner/LabAgent"
)

// NativeDevice is one row of the adb device listing.
type NativeDevice struct {
	Serial string
	Signal labagent.NativeSignal
}

// Bridge is the native transport the manager drives. The gadb
// implementation is the production one.
type Bridge interface {
	Devices(ctx context.Context) ([]NativeDevice, error)
	Shell(ctx context.Context, serial, cmd string, args ...string) (string, error)
	Push(ctx context.Context, serial, localPath, remotePath string) error
	Pull(ctx context.Context, serial, remotePath, localPath string) error
}

// GadbBridge implements Bridge on top of the adb server via gadb.
type GadbBridge struct {
	client gadb.Client
}

func NewGadbBridge(client gadb.Client) *GadbBridge {
	return &GadbBridge{client: client}
}

// NewDefaultBridge connects to the local adb server.
func NewDefaultBridge() (*GadbBridge, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client")
	}
	return NewGadbBridge(client), nil
}

// Devices lists serials with their raw gadb state names.
func (b *GadbBridge) Devices(ctx context.Context) ([]NativeDevice, error) {
	devs, err := b.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	out := make([]NativeDevice, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			out = append(out, NativeDevice{Serial: serial, Signal: labagent.NativeSignal(gadb.StateUnknown)})
			continue
		}
		out = append(out, NativeDevice{Serial: serial, Signal: labagent.NativeSignal(state)})
	}
	return out, nil
}

// device resolves serial. gadb calls cannot be interrupted, so a cancelled
// ctx only stops the next call from starting.
func (b *GadbBridge) device(ctx context.Context, serial string) (*gadb.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs, err := b.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Errorf("device %s not found", serial)
}

func (b *GadbBridge) Shell(ctx context.Context, serial, cmd string, args ...string) (string, error) {
	dev, err := b.device(ctx, serial)
	if err != nil {
		return "", err
	}
	return dev.RunShellCommand(cmd, args...)
}

func (b *GadbBridge) Push(ctx context.Context, serial, localPath, remotePath string) error {
	dev, err := b.device(ctx, serial)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "open push source")
	}
	defer f.Close()
	return dev.Push(f, remotePath, time.Now())
}

func (b *GadbBridge) Pull(ctx context.Context, serial, remotePath, localPath string) error {
	dev, err := b.device(ctx, serial)
	if err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrap(err, "create pull target")
	}
	if err := dev.Pull(remotePath, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
