package labagent

import (
	"context"
	"reflect"
	"testing"
)

func online(serials ...string) []Device {
	out := make([]Device, 0, len(serials))
	for _, serial := range serials {
		out = append(out, Device{Serial: serial, State: StateOnline})
	}
	return out
}

func TestCrossSelectorCardinality(t *testing.T) {
	ctx := context.Background()
	task := &Task{ID: "t1", Type: TaskTypeCross}

	if _, err := (CrossSelector{}).Choose(ctx, nil, task); !IsKind(err, KindContractViolation) {
		t.Fatalf("0 devices: expected contract violation, got %v", err)
	}

	got, err := (CrossSelector{}).Choose(ctx, online("a"), task)
	if err != nil || len(got) != 1 || got[0].Serial != "a" {
		t.Fatalf("1 device: expected [a], got %v, %v", got, err)
	}

	for _, n := range []int{2, 3, 5} {
		serials := []string{"a", "b", "c", "d", "e"}[:n]
		if got, err := (CrossSelector{}).Choose(ctx, online(serials...), task); !IsKind(err, KindContractViolation) || got != nil {
			t.Fatalf("%d devices: expected contract violation without pick, got %v, %v", n, got, err)
		}
	}
}

func TestCrossSelectorCountsBusyDevices(t *testing.T) {
	devices := online("a", "b")
	devices[1].RunningTask = "other"
	_, err := (CrossSelector{}).Choose(context.Background(), devices, &Task{ID: "t1"})
	if !IsKind(err, KindContractViolation) {
		t.Fatalf("busy device must still count as reachable, got %v", err)
	}
}

func TestParallelSelectorSkipsUnschedulable(t *testing.T) {
	devices := online("a", "b", "c", "d", "e")
	devices[1].RunningTask = "other"
	devices[2].Unstable = true
	devices[3].Private = true
	devices[4].State = StateOffline

	got, err := (ParallelSelector{}).Choose(context.Background(), devices, &Task{ID: "t1"})
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if !reflect.DeepEqual(serialsOf(got), []string{"a"}) {
		t.Fatalf("unexpected selection %v", serialsOf(got))
	}

	if _, err := (ParallelSelector{}).Choose(context.Background(), devices[1:], &Task{ID: "t1"}); !IsKind(err, KindContractViolation) {
		t.Fatalf("expected contract violation when nothing is schedulable, got %v", err)
	}
}

func TestTargetedSelector(t *testing.T) {
	ctx := context.Background()
	got, err := (TargetedSelector{}).Choose(ctx, online("a", "b"), &Task{ID: "t1", DeviceSerial: "b"})
	if err != nil || len(got) != 1 || got[0].Serial != "b" {
		t.Fatalf("expected [b], got %v, %v", got, err)
	}
	if _, err := (TargetedSelector{}).Choose(ctx, online("a"), &Task{ID: "t1", DeviceSerial: "z"}); !IsKind(err, KindContractViolation) {
		t.Fatalf("expected contract violation for missing target, got %v", err)
	}
	if _, err := (TargetedSelector{}).Choose(ctx, online("a"), &Task{ID: "t1"}); !IsKind(err, KindContractViolation) {
		t.Fatalf("expected contract violation for empty serial, got %v", err)
	}
}

func TestSelectorSetRoutesByType(t *testing.T) {
	set := DefaultSelectors()
	ctx := context.Background()

	got, err := set.Choose(ctx, online("a", "b"), &Task{ID: "t1", Type: TaskTypeParallel})
	if err != nil || len(got) != 2 {
		t.Fatalf("parallel: expected two devices, got %v, %v", got, err)
	}
	if _, err := set.Choose(ctx, online("a", "b"), &Task{ID: "t1"}); !IsKind(err, KindContractViolation) {
		t.Fatalf("default type is cross, expected contract violation, got %v", err)
	}
	if _, err := set.Choose(ctx, online("a"), &Task{ID: "t1", Type: "unknown"}); !IsKind(err, KindContractViolation) {
		t.Fatalf("expected contract violation for unknown type, got %v", err)
	}

	empty := SelectorSet{TaskTypeCross: SelectorFunc(func(ctx context.Context, reachable []Device, task *Task) ([]Device, error) {
		return nil, nil
	})}
	if _, err := empty.Choose(ctx, online("a"), &Task{ID: "t1"}); !IsKind(err, KindContractViolation) {
		t.Fatalf("empty successful selection must be rejected, got %v", err)
	}
}

func TestAllowlistSelector(t *testing.T) {
	ctx := context.Background()
	sel := NewAllowlistSelector(CrossSelector{}, []string{" b ", "c", "b"})
	got, err := sel.Choose(ctx, online("a", "b"), &Task{ID: "t1"})
	if err != nil || len(got) != 1 || got[0].Serial != "b" {
		t.Fatalf("expected allowlist to narrow to b, got %v, %v", got, err)
	}

	open := NewAllowlistSelector(ParallelSelector{}, []string{" "})
	got, err = open.Choose(ctx, online("a", "b"), &Task{ID: "t1"})
	if err != nil || len(got) != 2 {
		t.Fatalf("empty allowlist should pass all devices, got %v, %v", got, err)
	}
}

func TestNormalizeDeviceAllowlist(t *testing.T) {
	got := normalizeDeviceAllowlist([]string{"a", " b", "", "a", "c "})
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected allowlist %v", got)
	}
	if normalizeDeviceAllowlist([]string{"  "}) != nil {
		t.Fatalf("blank allowlist should normalize to nil")
	}
}
