package labagent

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// OccupancyTracker mirrors assignments onto the device table so device
// listings can report TESTING.
type OccupancyTracker interface {
	SetRunningTask(serial, taskID string) error
}

// AssignmentBook binds task ids to device sets. A device belongs to at most
// one active assignment, and only ONLINE devices can be assigned.
type AssignmentBook struct {
	tracker OccupancyTracker

	mu       sync.Mutex
	gen      uint64
	byDevice map[string]string
	byTask   map[string]assignment
}

type assignment struct {
	lease   Lease
	serials []string
}

// Lease identifies one acquisition of a task id. A lease outlived by a reset
// and a fresh acquisition of the same id no longer releases anything.
type Lease struct {
	TaskID string
	gen    uint64
}

// NewAssignmentBook builds a book; tracker may be nil.
func NewAssignmentBook(tracker OccupancyTracker) *AssignmentBook {
	return &AssignmentBook{
		tracker:  tracker,
		byDevice: make(map[string]string),
		byTask:   make(map[string]assignment),
	}
}

// Acquire assigns devices to taskID atomically: either every device is
// assigned or none is.
func (b *AssignmentBook) Acquire(taskID string, devices []Device) error {
	_, err := b.AcquireLease(taskID, devices)
	return err
}

// AcquireLease is Acquire returning the lease that ReleaseLease accepts.
func (b *AssignmentBook) AcquireLease(taskID string, devices []Device) (Lease, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Lease{}, ContractViolation("acquire devices", "task id is empty")
	}
	if len(devices) == 0 {
		return Lease{}, ContractViolation("acquire devices", "task %s: empty device set", taskID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byTask[taskID]; exists {
		return Lease{}, ContractViolation("acquire devices", "task %s already holds devices", taskID)
	}
	for _, dev := range devices {
		if !dev.Online() {
			return Lease{}, ContractViolation("acquire devices", "device %s is %s, not ONLINE", dev.Serial, dev.State)
		}
		if owner, busy := b.byDevice[dev.Serial]; busy {
			return Lease{}, ContractViolation("acquire devices", "device %s is assigned to task %s", dev.Serial, owner)
		}
	}

	serials := make([]string, 0, len(devices))
	for i, dev := range devices {
		if b.tracker != nil {
			if err := b.tracker.SetRunningTask(dev.Serial, taskID); err != nil {
				for _, prev := range devices[:i] {
					_ = b.tracker.SetRunningTask(prev.Serial, "")
				}
				return Lease{}, err
			}
		}
		serials = append(serials, dev.Serial)
	}
	for _, serial := range serials {
		b.byDevice[serial] = taskID
	}
	b.gen++
	lease := Lease{TaskID: taskID, gen: b.gen}
	b.byTask[taskID] = assignment{lease: lease, serials: serials}
	return lease, nil
}

// Release frees every device held by taskID, whichever lease holds it.
// Unknown ids are ignored.
func (b *AssignmentBook) Release(taskID string) []string {
	taskID = strings.TrimSpace(taskID)
	b.mu.Lock()
	defer b.mu.Unlock()
	held, ok := b.byTask[taskID]
	if !ok {
		return nil
	}
	return b.releaseLocked(held)
}

// ReleaseLease frees the devices of lease only while lease still holds them.
func (b *AssignmentBook) ReleaseLease(lease Lease) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	held, ok := b.byTask[lease.TaskID]
	if !ok || held.lease != lease {
		return nil
	}
	return b.releaseLocked(held)
}

func (b *AssignmentBook) releaseLocked(held assignment) []string {
	taskID, serials := held.lease.TaskID, held.serials
	delete(b.byTask, taskID)
	for _, serial := range serials {
		delete(b.byDevice, serial)
		if b.tracker != nil {
			if err := b.tracker.SetRunningTask(serial, ""); err != nil {
				log.Warn().Err(err).Str("serial", serial).Str("task_id", taskID).Msg("clear device occupancy failed")
			}
		}
	}
	return serials
}

// TaskOf returns the task currently holding serial.
func (b *AssignmentBook) TaskOf(serial string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	taskID, ok := b.byDevice[strings.TrimSpace(serial)]
	return taskID, ok
}

// DevicesOf returns the serials held by taskID.
func (b *AssignmentBook) DevicesOf(taskID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	serials := b.byTask[strings.TrimSpace(taskID)].serials
	out := make([]string, len(serials))
	copy(out, serials)
	return out
}
