package domain

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ==================== ENUMS ====================

type TaskState int32

const (
	TaskStateIdle TaskState = iota
	TaskStateStarting
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateStopped
	TaskStateRemoved
)

var taskStates = []string{"idle", "starting", "running", "completed", "failed", "stopped", "removed"}

func (s TaskState) String() string {
	if int(s) < 0 || int(s) >= len(taskStates) {
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
	return taskStates[s]
}

func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TaskState) UnmarshalText(b []byte) error {
	for i, name := range taskStates {
		if name == string(b) {
			*s = TaskState(i)
			return nil
		}
	}
	return fmt.Errorf("task: unknown state %q", b)
}

// Terminal reports whether no further transition except Removed is possible.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateStopped || s == TaskStateRemoved
}

// AtomicTaskState holds a TaskState that is read by the HTTP layer while the
// worker and the stop path race to move it.
type AtomicTaskState struct {
	v atomic.Int32
}

func NewAtomicTaskState(s TaskState) *AtomicTaskState {
	a := &AtomicTaskState{}
	a.Store(s)
	return a
}

func (a *AtomicTaskState) Load() TaskState {
	return TaskState(a.v.Load())
}

func (a *AtomicTaskState) Store(s TaskState) {
	a.v.Store(int32(s))
}

func (a *AtomicTaskState) CompareAndSwap(old, new TaskState) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}

// Finish moves the state to s unless it is already terminal.
func (a *AtomicTaskState) Finish(s TaskState) bool {
	for {
		cur := a.Load()
		if cur.Terminal() {
			return false
		}
		if a.CompareAndSwap(cur, s) {
			return true
		}
	}
}

type JobKind string

const (
	JobKindDynamic JobKind = "dynamic"
	JobKindPrivacy JobKind = "privacy"
)

// ==================== SNAPSHOTS ====================

// Task is a point-in-time view of a job, safe to hand out to callers.
type Task struct {
	ID            string            `json:"id"`
	Kind          JobKind           `json:"kind"`
	State         TaskState         `json:"state"`
	Params        map[string]string `json:"params,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	Error         string            `json:"error,omitempty"`
	Lines         int               `json:"lines"`
	SurfacedLines int               `json:"surfaced_lines"`
	PrivacyEvents int               `json:"privacy_events"`
	ReportPath    string            `json:"report_path,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
}

// LogEvent is what a log subscriber receives.
type LogEvent struct {
	Type   string `json:"type"` // connected, log, completed
	TaskID string `json:"task_id"`
	Data   string `json:"data,omitempty"`
	State  string `json:"state,omitempty"`
}

const (
	LogEventConnected = "connected"
	LogEventLog       = "log"
	LogEventCompleted = "completed"
)
