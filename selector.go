package labagent

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// DeviceSelector chooses the devices a task may run on, given the reachable
// set. A successful selection is never empty.
type DeviceSelector interface {
	Choose(ctx context.Context, reachable []Device, task *Task) ([]Device, error)
}

// SelectorFunc adapts a function to DeviceSelector.
type SelectorFunc func(ctx context.Context, reachable []Device, task *Task) ([]Device, error)

func (f SelectorFunc) Choose(ctx context.Context, reachable []Device, task *Task) ([]Device, error) {
	return f(ctx, reachable, task)
}

// CrossSelector requires exactly one reachable device. Zero or several
// reachable devices fail admission; ambiguity is never resolved by picking one.
// Busy devices still count as reachable here.
type CrossSelector struct{}

func (CrossSelector) Choose(ctx context.Context, reachable []Device, task *Task) ([]Device, error) {
	candidates := onlineOnly(reachable)
	LoggerFrom(ctx, nil).Info().Int("candidates", len(candidates)).Msg("choosing devices for cross task")
	switch len(candidates) {
	case 0:
		return nil, ContractViolation("choose devices", "no connected device")
	case 1:
		return candidates, nil
	default:
		return nil, ContractViolation("choose devices", "cross task needs exactly one connected device, found %d: %s",
			len(candidates), strings.Join(serialsOf(candidates), ","))
	}
}

// ParallelSelector runs the task on every reachable idle device.
type ParallelSelector struct{}

func (ParallelSelector) Choose(ctx context.Context, reachable []Device, task *Task) ([]Device, error) {
	candidates := schedulable(reachable)
	if len(candidates) == 0 {
		return nil, ContractViolation("choose devices", "no idle connected device")
	}
	return candidates, nil
}

// TargetedSelector runs the task on the device named by Task.DeviceSerial.
type TargetedSelector struct{}

func (TargetedSelector) Choose(ctx context.Context, reachable []Device, task *Task) ([]Device, error) {
	if task == nil || strings.TrimSpace(task.DeviceSerial) == "" {
		return nil, ContractViolation("choose devices", "targeted task has no device serial")
	}
	target := strings.TrimSpace(task.DeviceSerial)
	for _, dev := range schedulable(reachable) {
		if dev.Serial == target {
			return []Device{dev}, nil
		}
	}
	return nil, ContractViolation("choose devices", "target device %s is not reachable or busy", target)
}

// SelectorSet routes tasks to a selector by task type.
type SelectorSet map[TaskType]DeviceSelector

// DefaultSelectors returns the built-in policies.
func DefaultSelectors() SelectorSet {
	return SelectorSet{
		TaskTypeCross:    CrossSelector{},
		TaskTypeParallel: ParallelSelector{},
		TaskTypeTargeted: TargetedSelector{},
	}
}

func (s SelectorSet) Choose(ctx context.Context, reachable []Device, task *Task) ([]Device, error) {
	if task == nil {
		return nil, ContractViolation("choose devices", "task is nil")
	}
	kind := task.Type
	if kind == "" {
		kind = TaskTypeCross
	}
	selector, ok := s[kind]
	if !ok || selector == nil {
		return nil, ContractViolation("choose devices", "no selector for task type %q", kind)
	}
	chosen, err := selector.Choose(ctx, reachable, task)
	if err != nil {
		return nil, err
	}
	if len(chosen) == 0 {
		return nil, ContractViolation("choose devices", "selector for %q returned no device", kind)
	}
	return chosen, nil
}

func onlineOnly(devices []Device) []Device {
	out := make([]Device, 0, len(devices))
	for _, dev := range devices {
		if dev.Online() {
			out = append(out, dev)
		}
	}
	return out
}

// schedulable filters out devices that are not ONLINE, already testing,
// unstable or private.
func schedulable(devices []Device) []Device {
	out := make([]Device, 0, len(devices))
	for _, dev := range devices {
		if !dev.Online() || dev.Testing() || dev.Unstable || dev.Private {
			if dev.Online() {
				log.Debug().Str("serial", dev.Serial).Str("state", string(dev.Display())).
					Bool("private", dev.Private).Msg("skip device for selection")
			}
			continue
		}
		out = append(out, dev)
	}
	return out
}
