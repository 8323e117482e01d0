package labagent

import (
	"context"
	"time"
)

// DeviceInfoUpdate captures snapshot metadata for a device.
type DeviceInfoUpdate struct {
	DeviceSerial string
	Name         string
	Model        string
	Platform     Platform
	Status       string
	OSVersion    string
	AgentVersion string
	ProviderUUID string
	RunningTask  string
	LastError    string
	LastSeenAt   time.Time
}

// RunRecord is the terminal summary of one device's share of a task.
type RunRecord struct {
	TaskID       string
	DeviceSerial string
	DeviceName   string
	PackageName  string
	Status       string
	Rounds       int
	Actions      int
	Recoveries   int
	Aborted      bool
	Screenshots  int
	LogPath      string
	VideoPath    string
	ErrorMessage string
	StartAt      time.Time
	EndAt        time.Time
}

// DeviceRecorder persists device snapshots pushed by the watcher.
type DeviceRecorder interface {
	UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error
}

// RunRecorder persists per-device run summaries written by the runner.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

type noopRecorder struct{}

func (noopRecorder) UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error { return nil }

func (noopRecorder) RecordRun(ctx context.Context, rec RunRecord) error { return nil }

func newRunRecord(res *DeviceTestTask) RunRecord {
	rec := RunRecord{
		TaskID:       res.TaskID,
		DeviceSerial: res.DeviceSerial,
		DeviceName:   res.DeviceName,
		PackageName:  res.PackageName,
		Status:       res.Status,
		Rounds:       res.Monkey.Rounds,
		Actions:      res.Monkey.Actions,
		Recoveries:   res.Monkey.Recoveries,
		Aborted:      res.Monkey.Aborted,
		Screenshots:  len(res.ScreenshotPaths()),
		LogPath:      res.LogPath,
		VideoPath:    res.VideoPath,
		StartAt:      res.StartAt,
		EndAt:        res.EndAt,
	}
	if res.Err != nil {
		rec.ErrorMessage = res.Err.Error()
	}
	return rec
}
