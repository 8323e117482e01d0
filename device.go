package labagent

import (
	"sort"
	"strings"
	"time"
)

// Platform identifies the native platform family of a device.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Device 是设备的时间点快照，由发现它的平台实现持有并按值返回。
type Device struct {
	Serial      string
	Name        string
	Model       string
	OSVersion   string
	Platform    Platform
	Signal      NativeSignal
	State       LabState
	RunningTask string
	Unstable    bool
	Private     bool
	LastSeenAt  time.Time
}

// Online reports whether the native-derived state is ONLINE.
func (d Device) Online() bool {
	return d.State == StateOnline
}

// Testing reports whether a task currently occupies the device.
func (d Device) Testing() bool {
	return strings.TrimSpace(d.RunningTask) != ""
}

// Display folds the lab annotations over the native-derived state for
// reporting. The stored State is left untouched.
func (d Device) Display() LabState {
	switch {
	case d.Unstable:
		return StateUnstable
	case d.Testing():
		return StateTesting
	case d.State == "":
		return StateOther
	default:
		return d.State
	}
}

// DisplayName returns the human-readable name, falling back to the serial.
func (d Device) DisplayName() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	return d.Serial
}

// sortDevices orders snapshots by serial so callers get stable output.
func sortDevices(devices []Device) []Device {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Serial < devices[j].Serial
	})
	return devices
}

func serialsOf(devices []Device) []string {
	out := make([]string, 0, len(devices))
	for _, dev := range devices {
		out = append(out, dev.Serial)
	}
	return out
}
