package logstream

import (
	"strings"
	"sync"
	"time"

	"github.com/probehub/backend/internal/infrastructure/logger"
)

const (
	DefaultMaxBatchLines = 5
	DefaultFlushInterval = time.Second
)

// Batch is one delivery to the subscriber.
type Batch struct {
	TaskID string
	Text   string
	Lines  []string
}

type Options struct {
	MaxBatchLines int
	FlushInterval time.Duration
	Clock         func() time.Time
}

type Stats struct {
	Lines         int
	Surfaced      int
	Suppressed    int
	PrivacyEvents int
}

// Buffer batches console lines of one task. Every line lands in the
// transcript; only non-suppressed lines reach the sink. The sink is called
// with the buffer locked and must not block.
type Buffer struct {
	taskID     string
	classifier Classifier
	sink       func(Batch)
	log        *logger.Logger

	maxLines int
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	pending    []string
	transcript []string
	lastFlush  time.Time
	stats      Stats
}

func NewBuffer(taskID string, classifier Classifier, sink func(Batch), log *logger.Logger, opts Options) *Buffer {
	if classifier == nil {
		classifier = SurfaceAll{}
	}
	if sink == nil {
		sink = func(Batch) {}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if opts.MaxBatchLines <= 0 {
		opts.MaxBatchLines = DefaultMaxBatchLines
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Buffer{
		taskID:     taskID,
		classifier: classifier,
		sink:       sink,
		log:        log,
		maxLines:   opts.MaxBatchLines,
		interval:   opts.FlushInterval,
		now:        opts.Clock,
		lastFlush:  opts.Clock(),
	}
}

func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transcript = append(b.transcript, line)
	b.stats.Lines++
	if IsPrivacyEvent(line) {
		b.stats.PrivacyEvents++
	}

	switch b.classifier.Classify(line) {
	case Suppress:
		b.stats.Suppressed++
		b.log.Debugw("task_output", "task_id", b.taskID, "line", line, "suppressed", true)
		return
	case AlwaysSurface:
		b.log.Infow("task_output", "task_id", b.taskID, "line", line)
		b.pending = append(b.pending, line)
		b.flushLocked()
		return
	}

	b.log.Debugw("task_output", "task_id", b.taskID, "line", line)
	b.pending = append(b.pending, line)
	if b.dueLocked() {
		b.flushLocked()
	}
}

// MaybeFlush flushes when the batch is full or the flush interval elapsed.
func (b *Buffer) MaybeFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dueLocked() {
		b.flushLocked()
	}
}

func (b *Buffer) ForceFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushLocked()
}

func (b *Buffer) dueLocked() bool {
	if len(b.pending) == 0 {
		return false
	}
	return len(b.pending) >= b.maxLines || b.now().Sub(b.lastFlush) >= b.interval
}

func (b *Buffer) flushLocked() {
	if len(b.pending) == 0 {
		return
	}

	lines := b.pending
	b.pending = nil
	b.lastFlush = b.now()
	b.stats.Surfaced += len(lines)

	b.sink(Batch{
		TaskID: b.taskID,
		Text:   strings.Join(lines, "\n"),
		Lines:  lines,
	})
}

func (b *Buffer) Transcript() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.transcript))
	copy(out, b.transcript)
	return out
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
