package labagent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type memoryRunRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (r *memoryRunRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func newTestRunner(t *testing.T, mgr DeviceManager, cfg RunnerConfig) *Runner {
	t.Helper()
	if cfg.ResultDir == "" {
		cfg.ResultDir = t.TempDir()
	}
	runner, err := NewRunner(mgr, cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return runner
}

func TestRunnerCrossRejectsAmbiguousSelection(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"), onlineDevice("b"), onlineDevice("c"))
	runner := newTestRunner(t, mgr, RunnerConfig{AgentName: "lab"})

	run, err := runner.Run(context.Background(), &Task{ID: "t1", Type: TaskTypeCross, PackageName: "com.example"})
	if !IsKind(err, KindContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
	if run != nil {
		t.Fatalf("no run should be returned on admission failure")
	}
	if runner.Registry().Len() != 0 {
		t.Fatalf("registry must stay empty, got %v", runner.Registry().Snapshot())
	}
	devices, _ := mgr.DeviceList(context.Background())
	for _, dev := range devices {
		if dev.Testing() {
			t.Fatalf("device %s occupied after failed admission", dev.Serial)
		}
		if mgr.count(mgr.setups, dev.Serial) != 0 {
			t.Fatalf("device %s was set up after failed admission", dev.Serial)
		}
	}
}

func TestRunnerCrossSingleDevice(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"))
	mgr.session = &scriptedSession{script: []findResult{{elements: elements(&fakeElement{text: "go"})}}}
	recorder := &memoryRunRecorder{}
	runner := newTestRunner(t, mgr, RunnerConfig{AgentName: "lab", Recorder: recorder, Monkey: MonkeyOptions{Rand: firstIndex}})

	run, err := runner.Run(context.Background(), &Task{ID: "t1", PackageName: "com.example", MonkeyRounds: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(run.Devices) != 1 || run.Devices[0] != "a" {
		t.Fatalf("unexpected devices %v", run.Devices)
	}

	res, ok := run.Result("a")
	if !ok {
		t.Fatalf("missing result for a")
	}
	wantName := fmt.Sprintf("%s-lab-phone-a", runtime.GOOS)
	if res.DeviceName != wantName {
		t.Fatalf("device name = %q, want %q", res.DeviceName, wantName)
	}
	if res.Status != ResultSuccess || res.Monkey.Rounds != 3 || res.Monkey.Actions != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.ScreenshotPaths()) != 1 {
		t.Fatalf("expected final screenshot, got %v", res.ScreenshotPaths())
	}
	if mgr.count(mgr.setups, "a") != 1 || mgr.count(mgr.unsets, "a") != 1 {
		t.Fatalf("setup/unset must run exactly once")
	}
	if mgr.count(mgr.releases, "a") == 0 {
		t.Fatalf("driver session not released after monkey")
	}
	if runner.Registry().Len() != 0 {
		t.Fatalf("registry entry leaked: %v", runner.Registry().Snapshot())
	}
	if dev, _ := mgr.Lookup("a"); dev.Testing() {
		t.Fatalf("device still occupied after run")
	}
	if len(recorder.records) != 1 || recorder.records[0].Status != ResultSuccess || recorder.records[0].Rounds != 3 {
		t.Fatalf("unexpected run records %+v", recorder.records)
	}
}

func TestRunnerParallelIsolatesDeviceFailures(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"), onlineDevice("b"))
	mgr.setupErr["b"] = errors.New("adb: device offline")
	stability := &fakeStability{}
	mgr.BaseManager = NewBaseManager(BaseConfig{Stability: stability})
	mgr.ApplySnapshot([]Device{onlineDevice("a"), onlineDevice("b")}, time.Now())
	runner := newTestRunner(t, mgr, RunnerConfig{AgentName: "lab"})

	run, err := runner.Run(context.Background(), &Task{ID: "t2", Type: TaskTypeParallel})
	if err == nil || !strings.Contains(err.Error(), "device b") {
		t.Fatalf("expected failure for device b, got %v", err)
	}
	a, _ := run.Result("a")
	b, _ := run.Result("b")
	if a.Status != ResultSuccess || b.Status != ResultFailed {
		t.Fatalf("unexpected statuses a=%s b=%s", a.Status, b.Status)
	}
	if a.DeviceName != "phone-a" {
		t.Fatalf("parallel tasks keep the plain device name, got %q", a.DeviceName)
	}
	if mgr.count(mgr.unsets, "b") != 0 {
		t.Fatalf("unset must not run when setup failed")
	}
	if mgr.count(mgr.unsets, "a") != 1 {
		t.Fatalf("unset must run once for a")
	}
	if len(stability.reports) != 1 || !strings.HasPrefix(stability.reports[0], "b:") {
		t.Fatalf("expected one stability report for b, got %v", stability.reports)
	}
}

func TestRunnerUnsetRunsAfterFailure(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"))
	mgr.installErr = NativeRejection("install app", "a", "Failure [INSTALL_FAILED_ALREADY_EXISTS]")
	runner := newTestRunner(t, mgr, RunnerConfig{})

	_, err := runner.Run(context.Background(), &Task{ID: "t3", AppPath: "/tmp/app.apk"})
	if !IsKind(err, KindNativeRejection) {
		t.Fatalf("expected native rejection, got %v", err)
	}
	if mgr.count(mgr.unsets, "a") != 1 {
		t.Fatalf("unset must run once after a failed run")
	}
}

func TestRunnerRejectsDuplicateTaskID(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"), onlineDevice("b"))
	runner := newTestRunner(t, mgr, RunnerConfig{Selector: TargetedSelector{}})
	if err := runner.registry.Start("t4", &TaskRun{}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	_, err := runner.Run(context.Background(), &Task{ID: "t4", DeviceSerial: "a"})
	if !IsKind(err, KindContractViolation) {
		t.Fatalf("expected contract violation, got %v", err)
	}
	if dev, _ := mgr.Lookup("a"); dev.Testing() {
		t.Fatalf("assignment leaked after duplicate start")
	}

	released := runner.ResetByTaskID(context.Background(), "t4")
	if len(released) != 0 || runner.Registry().Len() != 0 {
		t.Fatalf("reset should clear the stuck entry, released=%v", released)
	}
}

func TestRunnerSchedulesDelayedCapture(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"))
	capture := NewCaptureScheduler(mgr, CaptureOptions{Workers: 1})
	runner := newTestRunner(t, mgr, RunnerConfig{Capture: capture, CaptureDelay: time.Millisecond})

	run, err := runner.Run(context.Background(), &Task{ID: "t5", PackageName: "com.example"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := capture.Close(); err != nil {
		t.Fatalf("close capture: %v", err)
	}
	res, _ := run.Result("a")
	if got := len(res.ScreenshotPaths()); got != 2 {
		t.Fatalf("expected delayed and final screenshots, got %d", got)
	}
}

type memoryBlob struct {
	mu   sync.Mutex
	keys []string
}

func (b *memoryBlob) Upload(ctx context.Context, localPath, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	return "mem://" + key, nil
}

func TestRunnerPublishesArtifacts(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"))
	blob := &memoryBlob{}
	mgr.BaseManager = NewBaseManager(BaseConfig{Blob: blob})
	mgr.ApplySnapshot([]Device{onlineDevice("a")}, time.Now())
	runner := newTestRunner(t, mgr, RunnerConfig{})

	run, err := runner.Run(context.Background(), &Task{ID: "t6"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res, _ := run.Result("a")
	url, ok := res.ArtifactURL("/tmp/a.png")
	if !ok || url != "mem://a.png" {
		t.Fatalf("final screenshot not published, got %q", url)
	}
	if len(blob.keys) != 1 {
		t.Fatalf("expected one upload, got %v", blob.keys)
	}
}

func TestRunnerStaleRunCleanupKeepsNewerRun(t *testing.T) {
	mgr := newFakeManager(onlineDevice("a"))
	gates := make(chan chan struct{}, 2)
	entered := make(chan struct{}, 2)
	mgr.wakeUp = func(dev Device) {
		gate := <-gates
		entered <- struct{}{}
		<-gate
	}
	runner := newTestRunner(t, mgr, RunnerConfig{})

	first, second := make(chan struct{}), make(chan struct{})
	gates <- first
	firstDone := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), &Task{ID: "t"})
		firstDone <- err
	}()
	<-entered

	runner.ResetByTaskID(context.Background(), "t")

	gates <- second
	secondDone := make(chan *TaskRun, 1)
	go func() {
		run, _ := runner.Run(context.Background(), &Task{ID: "t"})
		secondDone <- run
	}()
	<-entered

	close(first)
	if err := <-firstDone; err != nil {
		t.Fatalf("first run: %v", err)
	}

	if _, ok := runner.Registry().Get("t"); !ok {
		t.Fatalf("stale run removed the newer registry entry")
	}
	if owner, ok := runner.book.TaskOf("a"); !ok || owner != "t" {
		t.Fatalf("stale run freed the newer run's device, owner=%q", owner)
	}
	if dev, _ := mgr.Lookup("a"); !dev.Testing() {
		t.Fatalf("device a must stay occupied by the newer run")
	}

	close(second)
	if run := <-secondDone; run == nil {
		t.Fatalf("second run was not admitted")
	}
	if runner.Registry().Len() != 0 {
		t.Fatalf("registry entry leaked: %v", runner.Registry().Snapshot())
	}
	if _, ok := runner.book.TaskOf("a"); ok {
		t.Fatalf("device a still assigned after both runs")
	}
}
