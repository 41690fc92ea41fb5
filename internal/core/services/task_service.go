package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/probehub/backend/internal/config"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/core/services/logstream"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
)

type TaskService struct {
	transport  ports.RemoteTransport
	registry   *TaskRegistry
	history    *taskHistory
	kinds      *jobKinds
	classifier logstream.Classifier
	supervisor *Supervisor
	log        *logger.Logger

	exclusiveKinds   bool
	kindSlots        sync.Map // domain.JobKind -> task id
	drainTimeout     time.Duration
	pollInterval     time.Duration
	bufferOpts       logstream.Options
	subscriberBuffer int
	subscriberIdle   time.Duration

	closing atomic.Bool
	now     func() time.Time
}

var _ ports.TaskService = (*TaskService)(nil)

func NewTaskService(transport ports.RemoteTransport, classifier logstream.Classifier, cfg *config.Config, log *logger.Logger) *TaskService {
	if classifier == nil {
		classifier = logstream.DefaultClassifier()
	}
	if log == nil {
		log = logger.NewNop()
	}

	drain := cfg.Analysis.DrainTimeout
	if drain <= 0 {
		drain = 2 * time.Second
	}
	poll := cfg.LogStream.PollInterval
	if poll <= 0 || poll > 200*time.Millisecond {
		poll = 100 * time.Millisecond
	}

	return &TaskService{
		transport:      transport,
		registry:       NewTaskRegistry(),
		history:        newTaskHistory(cfg.Analysis.HistorySize),
		kinds:          newJobKinds(cfg.Analysis, cfg.Cleanup),
		classifier:     classifier,
		supervisor:     NewSupervisor(log),
		log:            log,
		exclusiveKinds: cfg.Analysis.ExclusiveKinds,
		drainTimeout:   drain,
		pollInterval:   poll,
		bufferOpts: logstream.Options{
			MaxBatchLines: cfg.LogStream.MaxBatchLines,
			FlushInterval: cfg.LogStream.FlushInterval,
		},
		subscriberBuffer: cfg.LogStream.SubscriberBuffer,
		subscriberIdle:   cfg.LogStream.SubscriberIdleTimeout,
		now:              time.Now,
	}
}

// ==================== Task Lifecycle ====================

// StartTask registers the task and hands it to a worker. It returns as soon
// as the task is registered; the worker connects in the background.
func (s *TaskService) StartTask(ctx context.Context, input ports.StartTaskInput) (*domain.Task, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}

	taskID := input.TaskID
	if taskID == "" {
		taskID = strconv.FormatInt(s.now().UnixMilli(), 10)
	}
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}

	s.log.Infow("task_start_request", "task_id", taskID, "kind", input.Kind)

	if _, err := s.registry.Get(taskID); err == nil {
		s.log.Warnw("task_start_rejected", "task_id", taskID, "reason", "already running")
		return nil, ErrTaskAlreadyRunning
	}

	job, err := s.kinds.build(input.Kind, taskID, input.Params)
	if err != nil {
		return nil, err
	}

	if s.exclusiveKinds {
		if other, loaded := s.kindSlots.LoadOrStore(job.Kind, taskID); loaded {
			s.log.Warnw("task_start_rejected", "task_id", taskID, "reason", "kind busy", "active_task_id", other)
			return nil, fmt.Errorf("%w: %s task %s is active", ErrJobKindBusy, job.Kind, other)
		}
	}

	entry := newTaskEntry(taskID, job, s.now())
	entry.buffer = logstream.NewBuffer(taskID, s.classifier, entry.publish, s.log.Named("output"), s.bufferOpts)

	if err := s.registry.Register(taskID, entry); err != nil {
		s.releaseKindSlot(entry)
		return nil, err
	}
	entry.state.Store(domain.TaskStateStarting)
	snap := entry.Snapshot()

	s.supervisor.Go(taskID, func() { s.runTask(entry) }, func(err error) {
		entry.setResult(nil, err.Error())
		entry.state.Finish(domain.TaskStateFailed)
		entry.closeSession()
		s.release(entry)
	})

	s.log.Infow("task_started", "task_id", taskID, "kind", job.Kind, "command", job.Command)
	return snap, nil
}

// release publishes the final batch, completes the stream, records history
// and removes the entry. Safe to call from both the worker and a stop.
func (s *TaskService) release(entry *TaskEntry) {
	entry.releaseOnce.Do(func() {
		entry.buffer.ForceFlush()
		entry.markFinished()

		snap := entry.Snapshot()
		s.history.Add(snap, entry.buffer.Transcript())

		s.registry.Unregister(entry.ID, entry)
		s.releaseKindSlot(entry)
		entry.completeStream(snap.State)
		entry.state.Store(domain.TaskStateRemoved)
		entry.cancel()

		s.log.Infow("task_released", "task_id", entry.ID, "state", snap.State.String(),
			"lines", snap.Lines, "privacy_events", snap.PrivacyEvents)
	})
}

func (s *TaskService) releaseKindSlot(entry *TaskEntry) {
	s.kindSlots.CompareAndDelete(entry.Kind, entry.ID)
}

// ==================== Queries ====================

func (s *TaskService) GetTask(taskID string) (*domain.Task, error) {
	if entry, err := s.registry.Get(taskID); err == nil {
		return entry.Snapshot(), nil
	}
	if rec, ok := s.history.Get(taskID); ok {
		taskCopy := *rec.task
		return &taskCopy, nil
	}
	return nil, ErrTaskNotFound
}

// ListTasks returns active tasks followed by finished ones, newest first.
func (s *TaskService) ListTasks() []*domain.Task {
	active := s.registry.Snapshot()
	seen := make(map[string]bool, len(active))
	for _, t := range active {
		seen[t.ID] = true
	}
	for _, t := range s.history.List() {
		if !seen[t.ID] {
			active = append(active, t)
		}
	}
	return active
}

// Known reports whether this process has seen the task.
func (s *TaskService) Known(taskID string) bool {
	if _, err := s.registry.Get(taskID); err == nil {
		return true
	}
	_, ok := s.history.Get(taskID)
	return ok
}

func (s *TaskService) Transcript(taskID string) ([]string, error) {
	if entry, err := s.registry.Get(taskID); err == nil {
		return entry.buffer.Transcript(), nil
	}
	if rec, ok := s.history.Get(taskID); ok {
		return rec.transcript, nil
	}
	return nil, ErrTaskNotFound
}

func (s *TaskService) ActiveCount() int {
	return s.registry.Len()
}

// ==================== Subscription ====================

// Subscribe attaches the single live consumer of a task's log events,
// replacing any previous one.
func (s *TaskService) Subscribe(taskID string) (*logstream.Subscriber, error) {
	entry, err := s.registry.Get(taskID)
	if err != nil {
		return nil, err
	}

	sub := logstream.NewSubscriber(taskID, s.subscriberBuffer, s.subscriberIdle)
	entry.attachSubscriber(sub)
	s.log.Infow("task_subscriber_attached", "task_id", taskID)
	return sub, nil
}

// ==================== Shutdown ====================

// Shutdown stops every active task and waits for the workers.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	entries := s.registry.Entries()
	s.log.Infow("task_engine_shutdown", "active_tasks", len(entries))

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.StopTask(ctx, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
				s.log.Warnw("task_shutdown_stop_failed", "task_id", id, "error", err)
			}
		}(e.ID)
	}
	wg.Wait()

	return s.supervisor.Wait(ctx)
}
