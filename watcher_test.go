package labagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type memoryDeviceRecorder struct {
	mu      sync.Mutex
	batches [][]DeviceInfoUpdate
}

func (r *memoryDeviceRecorder) UpsertDevices(ctx context.Context, devices []DeviceInfoUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]DeviceInfoUpdate(nil), devices...))
	return nil
}

func (r *memoryDeviceRecorder) last() []DeviceInfoUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

func statusOf(updates []DeviceInfoUpdate, serial string) string {
	for _, u := range updates {
		if u.DeviceSerial == serial {
			return u.Status
		}
	}
	return ""
}

func TestWatcherRecordsTransitions(t *testing.T) {
	mgr := newFakeManager()
	recorder := &memoryDeviceRecorder{}
	w, err := NewWatcher(mgr, WatcherConfig{AgentVersion: "v1", ProviderUUID: "host-1", Recorder: recorder})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx := context.Background()

	mgr.setFound(onlineDevice("a"), onlineDevice("b"))
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	batch := recorder.last()
	if len(batch) != 2 || statusOf(batch, "a") != string(StateOnline) {
		t.Fatalf("unexpected first batch %+v", batch)
	}
	if batch[0].AgentVersion != "v1" || batch[0].ProviderUUID != "host-1" {
		t.Fatalf("agent metadata missing: %+v", batch[0])
	}

	if err := mgr.SetRunningTask("a", "t1"); err != nil {
		t.Fatalf("set running task: %v", err)
	}
	mgr.setFound(onlineDevice("a"))
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	batch = recorder.last()
	if statusOf(batch, "a") != string(StateTesting) {
		t.Fatalf("expected a to be TESTING, got %+v", batch)
	}
	if statusOf(batch, "b") != string(StateDisconnected) {
		t.Fatalf("expected b to be DISCONNECTED, got %+v", batch)
	}
}

func TestWatcherReportsRemovedDevicesOffline(t *testing.T) {
	recorder := &memoryDeviceRecorder{}
	mgr := newFakeManager()
	w, _ := NewWatcher(mgr, WatcherConfig{ProviderUUID: "host-1", Recorder: recorder})

	mgr.setFound(onlineDevice("a"))
	_ = w.RunOnce(context.Background())

	// Drop a from the manager entirely, as if the offline threshold elapsed.
	mgr.setFound()
	mgr.ApplySnapshot(nil, time.Now().Add(time.Hour))
	_ = w.RunOnce(context.Background())

	if got := statusOf(recorder.last(), "a"); got != "offline" {
		t.Fatalf("expected removed device reported offline, got %q", got)
	}
}

func TestWatcherStartStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	mgr := newFakeManager(onlineDevice("a"))
	recorder := &memoryDeviceRecorder{}
	w, _ := NewWatcher(mgr, WatcherConfig{PollInterval: 10 * time.Millisecond, ProviderUUID: "host-1", Recorder: recorder})

	ctx, cancel := context.WithCancel(context.Background())
	group := NewSafeGroup(ctx)
	group.GoSafe("device watcher", w.Start)

	deadline := time.Now().Add(2 * time.Second)
	for {
		recorder.mu.Lock()
		n := len(recorder.batches)
		recorder.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not poll, batches=%d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := group.WaitOrInterrupt(time.Second); err != nil && err != context.Canceled {
		t.Fatalf("unexpected wait error %v", err)
	}
}

func TestSafeGroupRestartsAfterPanic(t *testing.T) {
	defer goleak.VerifyNone(t)
	group := NewSafeGroup(context.Background())
	var mu sync.Mutex
	calls := 0
	group.GoSafe("flaky", func(ctx context.Context) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("first run fails")
		}
		return nil
	})
	if err := group.WaitOrInterrupt(0); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one restart, got %d calls", calls)
	}
}
