package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/core/services/logstream"
	"github.com/probehub/backend/internal/domain"
)

// TaskEntry holds everything the engine knows about one active task.
// Immutable fields are set before Register; the rest is guarded by mu or
// is atomic.
type TaskEntry struct {
	ID         string
	Kind       domain.JobKind
	Params     map[string]string
	Command    string
	ReportPath string
	Cleanup    CleanupPlan
	CreatedAt  time.Time

	state  *domain.AtomicTaskState
	buffer *logstream.Buffer

	ctx    context.Context
	cancel context.CancelFunc

	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}

	// stopping is set by the StopTask call that owns release.
	stopping atomic.Bool

	mu            sync.Mutex
	conn          ports.RemoteConn
	proc          ports.RemoteProcess
	sessionClosed bool
	subscriber    *logstream.Subscriber
	released      bool
	startedAt     *time.Time
	finishedAt    *time.Time
	exitCode      *int
	errMsg        string

	releaseOnce sync.Once
	done        chan struct{}
}

func newTaskEntry(id string, job *JobSpec, now time.Time) *TaskEntry {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskEntry{
		ID:         id,
		Kind:       job.Kind,
		Params:     job.Params,
		Command:    job.Command,
		ReportPath: job.ReportPath,
		Cleanup:    job.Cleanup,
		CreatedAt:  now,
		state:      domain.NewAtomicTaskState(domain.TaskStateIdle),
		ctx:        ctx,
		cancel:     cancel,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (e *TaskEntry) State() domain.TaskState {
	return e.state.Load()
}

// requestCancel sets the cancel flag and wakes the worker. It reports
// whether this call was the one that set it.
func (e *TaskEntry) requestCancel() bool {
	if !e.cancelRequested.CompareAndSwap(false, true) {
		return false
	}
	e.cancelOnce.Do(func() {
		close(e.cancelCh)
		e.cancel()
	})
	return true
}

func (e *TaskEntry) CancelRequested() bool {
	return e.cancelRequested.Load()
}

// attachSession stores the live session. It returns false when the session
// was already torn down by a stop; the caller then owns closing it.
func (e *TaskEntry) attachSession(conn ports.RemoteConn, proc ports.RemoteProcess) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sessionClosed {
		return false
	}
	e.conn = conn
	e.proc = proc
	now := time.Now()
	e.startedAt = &now
	return true
}

// closeSession closes the command channel and the connection at most once.
func (e *TaskEntry) closeSession() bool {
	e.mu.Lock()
	if e.sessionClosed {
		e.mu.Unlock()
		return false
	}
	e.sessionClosed = true
	proc, conn := e.proc, e.conn
	e.proc, e.conn = nil, nil
	e.mu.Unlock()

	if proc != nil {
		proc.Close()
	}
	if conn != nil {
		conn.Close()
	}
	return true
}

func (e *TaskEntry) publish(b logstream.Batch) {
	e.mu.Lock()
	sub := e.subscriber
	e.mu.Unlock()

	if sub == nil {
		return
	}
	if !sub.Deliver(domain.LogEvent{Type: domain.LogEventLog, TaskID: e.ID, Data: b.Text}) {
		e.detachSubscriber(sub)
	}
}

// attachSubscriber replaces any previous subscriber. Attaching after the
// task finished yields a subscriber that only sees connected and completed.
func (e *TaskEntry) attachSubscriber(sub *logstream.Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subscriber != nil && e.subscriber != sub {
		e.subscriber.Close()
	}
	sub.Deliver(domain.LogEvent{Type: domain.LogEventConnected, TaskID: e.ID, State: e.state.Load().String()})

	if e.released {
		sub.Complete(domain.LogEvent{Type: domain.LogEventCompleted, TaskID: e.ID, State: e.state.Load().String()})
		return
	}
	e.subscriber = sub
}

func (e *TaskEntry) detachSubscriber(sub *logstream.Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subscriber == sub {
		e.subscriber = nil
	}
	sub.Close()
}

// completeStream queues the completed event behind everything already
// published; the subscriber closes once its reader has drained it.
func (e *TaskEntry) completeStream(state domain.TaskState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.released = true
	if e.subscriber == nil {
		return
	}
	e.subscriber.Complete(domain.LogEvent{Type: domain.LogEventCompleted, TaskID: e.ID, State: state.String()})
	e.subscriber = nil
}

func (e *TaskEntry) setResult(exitCode *int, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if exitCode != nil {
		e.exitCode = exitCode
	}
	if errMsg != "" && e.errMsg == "" {
		e.errMsg = errMsg
	}
}

func (e *TaskEntry) markFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finishedAt == nil {
		now := time.Now()
		e.finishedAt = &now
	}
}

func (e *TaskEntry) Snapshot() *domain.Task {
	// Buffer stats first: the buffer's sink takes e.mu while holding its own lock.
	var stats logstream.Stats
	if e.buffer != nil {
		stats = e.buffer.Stats()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return &domain.Task{
		ID:            e.ID,
		Kind:          e.Kind,
		State:         e.state.Load(),
		Params:        e.Params,
		ExitCode:      e.exitCode,
		Error:         e.errMsg,
		ReportPath:    e.ReportPath,
		CreatedAt:     e.CreatedAt,
		StartedAt:     e.startedAt,
		FinishedAt:    e.finishedAt,
		Lines:         stats.Lines,
		SurfacedLines: stats.Surfaced,
		PrivacyEvents: stats.PrivacyEvents,
	}
}

// TaskRegistry maps task ids to entries. Per-task state lives on the entry,
// so unrelated tasks never share a lock.
type TaskRegistry struct {
	entries sync.Map
	count   atomic.Int64
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{}
}

func (r *TaskRegistry) Register(taskID string, entry *TaskEntry) error {
	if _, loaded := r.entries.LoadOrStore(taskID, entry); loaded {
		return ErrTaskAlreadyRunning
	}
	r.count.Add(1)
	return nil
}

func (r *TaskRegistry) Get(taskID string) (*TaskEntry, error) {
	v, ok := r.entries.Load(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return v.(*TaskEntry), nil
}

// Unregister removes entry only if it is still the one registered under
// taskID, so stale or repeated releases are no-ops.
func (r *TaskRegistry) Unregister(taskID string, entry *TaskEntry) bool {
	if r.entries.CompareAndDelete(taskID, entry) {
		r.count.Add(-1)
		return true
	}
	return false
}

// RequestCancel sets the task's cancel flag and wakes its worker. The
// boolean is true only for the call that set the flag.
func (r *TaskRegistry) RequestCancel(taskID string) (*TaskEntry, bool, error) {
	entry, err := r.Get(taskID)
	if err != nil {
		return nil, false, err
	}
	return entry, entry.requestCancel(), nil
}

// SetCancelFlag is one-way: the entry's context is already cancelled once
// the flag is set, so clearing it is rejected.
func (r *TaskRegistry) SetCancelFlag(taskID string, cancel bool) error {
	entry, err := r.Get(taskID)
	if err != nil {
		return err
	}
	if !cancel {
		if entry.CancelRequested() {
			return ErrCancelIrreversible
		}
		return nil
	}
	entry.requestCancel()
	return nil
}

func (r *TaskRegistry) IsCancelRequested(taskID string) bool {
	entry, err := r.Get(taskID)
	if err != nil {
		return false
	}
	return entry.CancelRequested()
}

func (r *TaskRegistry) Len() int {
	return int(r.count.Load())
}

func (r *TaskRegistry) Entries() []*TaskEntry {
	var out []*TaskEntry
	r.entries.Range(func(_, v any) bool {
		out = append(out, v.(*TaskEntry))
		return true
	})
	return out
}

// Snapshot returns active tasks, oldest first.
func (r *TaskRegistry) Snapshot() []*domain.Task {
	entries := r.Entries()
	out := make([]*domain.Task, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
