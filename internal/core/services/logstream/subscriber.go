package logstream

import (
	"sync"
	"time"

	"github.com/probehub/backend/internal/domain"
)

const DefaultSubscriberBuffer = 64

// Subscriber is the single live consumer of a task's log events. Deliver
// never blocks the producer: events queue up behind a slow reader, and once
// more than the queue limit are pending, consecutive log events are merged
// into the newest queued one. Nothing is dropped until the reader goes away.
type Subscriber struct {
	TaskID string

	mu     sync.Mutex
	queue  []domain.LogEvent
	limit  int
	closed bool
	idle   time.Duration
	timer  *time.Timer

	events    chan domain.LogEvent
	wake      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
}

// NewSubscriber creates a subscriber that closes itself after idle without
// a delivery. idle <= 0 disables the timeout.
func NewSubscriber(taskID string, buffer int, idle time.Duration) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscriber{
		TaskID: taskID,
		limit:  buffer,
		idle:   idle,
		events: make(chan domain.LogEvent),
		wake:   make(chan struct{}, 1),
		abort:  make(chan struct{}),
	}
	if idle > 0 {
		s.timer = time.AfterFunc(idle, s.Close)
	}
	go s.pump()
	return s
}

// Events is closed when the subscriber is detached or completed.
func (s *Subscriber) Events() <-chan domain.LogEvent {
	return s.events
}

// Deliver queues ev and reports whether the subscriber still accepts events.
func (s *Subscriber) Deliver(ev domain.LogEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.enqueueLocked(ev)
	return true
}

// Complete queues the terminal event. Events() is closed once the reader
// has received everything queued before it.
func (s *Subscriber) Complete(ev domain.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.enqueueLocked(ev)
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Subscriber) enqueueLocked(ev domain.LogEvent) {
	if n := len(s.queue); ev.Type == domain.LogEventLog && n >= s.limit && s.queue[n-1].Type == domain.LogEventLog {
		s.queue[n-1].Data += "\n" + ev.Data
	} else {
		s.queue = append(s.queue, ev)
	}
	if s.timer != nil {
		s.timer.Reset(s.idle)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close detaches the subscriber at once and drops anything still queued.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.abortOnce.Do(func() { close(s.abort) })
}

func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pending returns the number of queued events not yet taken by the reader.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) pump() {
	defer close(s.events)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			done := s.closed
			s.mu.Unlock()
			if done {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.abort:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.abort:
			return
		}
	}
}
