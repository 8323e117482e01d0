package labagent

import (
	"sort"
	"strings"
	"sync"
)

// Registry 记录正在运行的任务，key 为任务 ID。
//
// Start and End on the same id are atomic with respect to each other, while
// distinct ids never contend on a shared lock. Reads never block writers.
type Registry struct {
	runs sync.Map // map[string]*TaskRun
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Start registers run under taskID. Starting an id that is already present
// is a contract violation and leaves the existing entry untouched.
func (r *Registry) Start(taskID string, run *TaskRun) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ContractViolation("registry start", "task id is empty")
	}
	if run == nil {
		return ContractViolation("registry start", "task %s has no run record", taskID)
	}
	if _, loaded := r.runs.LoadOrStore(taskID, run); loaded {
		return ContractViolation("registry start", "task %s is already running", taskID)
	}
	return nil
}

// Get returns the run registered under taskID.
func (r *Registry) Get(taskID string) (*TaskRun, bool) {
	v, ok := r.runs.Load(strings.TrimSpace(taskID))
	if !ok {
		return nil, false
	}
	return v.(*TaskRun), true
}

// End removes taskID. Ending an absent id is a no-op.
func (r *Registry) End(taskID string) {
	r.runs.Delete(strings.TrimSpace(taskID))
}

// EndRun removes taskID only while it still maps to run. It reports whether
// the entry was removed.
func (r *Registry) EndRun(taskID string, run *TaskRun) bool {
	return r.runs.CompareAndDelete(strings.TrimSpace(taskID), run)
}

// Snapshot returns the ids of running tasks, sorted.
func (r *Registry) Snapshot() []string {
	var ids []string
	r.runs.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of running tasks.
func (r *Registry) Len() int {
	n := 0
	r.runs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
