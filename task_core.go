package labagent

import (
	"strings"
	"sync"
	"time"
)

// TaskType 决定任务准入时使用的设备选择策略。
type TaskType string

const (
	TaskTypeCross    TaskType = "cross"
	TaskTypeParallel TaskType = "parallel"
	TaskTypeTargeted TaskType = "targeted"
)

// Task 表示一次测试任务，只包含设备编排需要的最小字段。
type Task struct {
	ID           string
	Type         TaskType
	PackageName  string
	AppPath      string
	DeviceSerial string
	MonkeyRounds int
	Permissions  []string
	Payload      any
}

// Device test task result states.
const (
	ResultRunning = "running"
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// DeviceTestTask records one device's share of a task run.
type DeviceTestTask struct {
	TaskID       string
	DeviceSerial string
	DeviceName   string
	PackageName  string
	ResultDir    string
	LogPath      string
	VideoPath    string
	Screenshots  []string
	Monkey       MonkeyResult
	Status       string
	Err          error
	StartAt      time.Time
	EndAt        time.Time

	mu           sync.Mutex
	artifactURLs map[string]string
}

// AddScreenshot appends a captured image path; safe for use from capture
// callbacks running on scheduler workers.
func (r *DeviceTestTask) AddScreenshot(path string) {
	if r == nil || strings.TrimSpace(path) == "" {
		return
	}
	r.mu.Lock()
	r.Screenshots = append(r.Screenshots, path)
	r.mu.Unlock()
}

// ScreenshotPaths returns a copy of the captured image paths.
func (r *DeviceTestTask) ScreenshotPaths() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Screenshots))
	copy(out, r.Screenshots)
	return out
}

func (r *DeviceTestTask) setArtifactURL(path, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.artifactURLs == nil {
		r.artifactURLs = make(map[string]string)
	}
	r.artifactURLs[path] = url
}

// ArtifactURL returns the uploaded location of a local artifact.
func (r *DeviceTestTask) ArtifactURL(path string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	url, ok := r.artifactURLs[path]
	return url, ok
}

// TaskRun is the registry record of an admitted task.
type TaskRun struct {
	Task    *Task
	Devices []string
	StartAt time.Time

	mu      sync.Mutex
	results map[string]*DeviceTestTask
}

func newTaskRun(task *Task, devices []Device) *TaskRun {
	return &TaskRun{
		Task:    task,
		Devices: serialsOf(devices),
		StartAt: time.Now(),
		results: make(map[string]*DeviceTestTask, len(devices)),
	}
}

func (r *TaskRun) setResult(res *DeviceTestTask) {
	r.mu.Lock()
	r.results[res.DeviceSerial] = res
	r.mu.Unlock()
}

// Result returns the device result for serial, if the device ran.
func (r *TaskRun) Result(serial string) (*DeviceTestTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[serial]
	return res, ok
}

// Results returns the device results ordered like Devices.
func (r *TaskRun) Results() []*DeviceTestTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DeviceTestTask, 0, len(r.results))
	for _, serial := range r.Devices {
		if res, ok := r.results[serial]; ok {
			out = append(out, res)
		}
	}
	return out
}
