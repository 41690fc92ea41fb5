package services

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/domain"
)

const (
	stderrPrefix    = "❌ "
	maxLineBytes    = 1024 * 1024
	lineChannelSize = 256
)

type exitResult struct {
	code int
	err  error
}

// runTask drives one task from Starting to a terminal state. It releases the
// entry itself unless a StopTask call owns the release.
func (s *TaskService) runTask(entry *TaskEntry) {
	defer close(entry.done)

	log := s.log.With("task_id", entry.ID)

	conn, err := s.transport.Connect(entry.ctx)
	if err != nil {
		s.abortStart(entry, transportError("connect", err))
		s.finishTask(entry)
		return
	}

	proc, err := conn.Exec(entry.ctx, entry.Command)
	if err != nil {
		conn.Close()
		s.abortStart(entry, transportError("exec", err))
		s.finishTask(entry)
		return
	}

	if !entry.attachSession(conn, proc) {
		proc.Close()
		conn.Close()
		s.markStopped(entry)
		s.finishTask(entry)
		return
	}

	if !entry.state.CompareAndSwap(domain.TaskStateStarting, domain.TaskStateRunning) {
		log.Warnw("task_state_unexpected", "state", entry.State().String())
	}
	log.Infow("task_running", "kind", entry.Kind)

	res, stopped := s.streamOutput(entry, proc)

	switch {
	case stopped:
		s.markStopped(entry)
	case res.err == nil && res.code == 0:
		code := 0
		entry.setResult(&code, "")
		if entry.state.Finish(domain.TaskStateCompleted) {
			entry.buffer.Append("✅ task completed")
		}
	case entry.CancelRequested():
		// Killed by the stop, not a failure of the job.
		s.markStopped(entry)
	case res.err != nil:
		s.failTask(entry, transportError("wait", res.err))
	default:
		code := res.code
		entry.setResult(&code, "")
		s.failTask(entry, &CommandError{ExitCode: code})
	}

	s.finishTask(entry)
}

// abortStart settles a task whose connect or exec failed. A failure caused
// by a stop cancelling the start is a stop, not a job failure.
func (s *TaskService) abortStart(entry *TaskEntry, err error) {
	if entry.CancelRequested() {
		s.log.Infow("task_start_cancelled", "task_id", entry.ID, "error", err)
		s.markStopped(entry)
		return
	}
	s.failTask(entry, err)
}

func (s *TaskService) markStopped(entry *TaskEntry) {
	if entry.state.Finish(domain.TaskStateStopped) {
		entry.buffer.Append("⚠️ task stopped by request")
	}
}

func (s *TaskService) failTask(entry *TaskEntry, err error) {
	entry.setResult(nil, err.Error())
	if entry.state.Finish(domain.TaskStateFailed) {
		s.log.Errorw("task_failed", "task_id", entry.ID, "error", err)
		entry.buffer.Append(stderrPrefix + "task failed: " + err.Error())
	}
}

// finishTask writes the summary, closes the session and releases unless a
// stop owns the release.
func (s *TaskService) finishTask(entry *TaskEntry) {
	stats := entry.buffer.Stats()
	entry.buffer.Append(fmt.Sprintf("📊 total lines: %d, privacy events: %d, surfaced lines: %d",
		stats.Lines, stats.PrivacyEvents, stats.Surfaced))

	entry.closeSession()

	if entry.stopping.Load() {
		return
	}
	s.release(entry)
}

// streamOutput pumps remote output into the buffer until the process exits
// or a cancel is observed. A cancel waits up to one poll interval for the
// exit; when the process exited in that window the exit wins.
func (s *TaskService) streamOutput(entry *TaskEntry, proc ports.RemoteProcess) (exitResult, bool) {
	quit := make(chan struct{})
	defer close(quit)

	lines := make(chan string, lineChannelSize)
	var readers sync.WaitGroup
	readers.Add(2)
	go s.readLines(entry.ID, proc.Stdout(), "", lines, quit, &readers)
	go s.readLines(entry.ID, proc.Stderr(), stderrPrefix, lines, quit, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	exited := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait()
		exited <- exitResult{code: code, err: err}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	cancelCh := entry.cancelCh

	checkCancel := func() (exitResult, bool, bool) {
		if !entry.CancelRequested() {
			return exitResult{}, false, false
		}
		grace := time.NewTimer(s.pollInterval)
		defer grace.Stop()
		select {
		case res := <-exited:
			s.drainLines(entry, lines)
			return res, false, true
		case <-grace.C:
			s.drainLines(entry, lines)
			return exitResult{}, true, true
		}
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			entry.buffer.Append(line)

		case <-ticker.C:
			entry.buffer.MaybeFlush()
			if res, stopped, done := checkCancel(); done {
				return res, stopped
			}

		case <-cancelCh:
			cancelCh = nil
			if res, stopped, done := checkCancel(); done {
				return res, stopped
			}

		case res := <-exited:
			s.drainLines(entry, lines)
			return res, false
		}
	}
}

// drainLines appends residual output for at most the drain timeout.
func (s *TaskService) drainLines(entry *TaskEntry, lines <-chan string) {
	if lines == nil {
		return
	}
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			entry.buffer.Append(line)
		case <-timer.C:
			s.log.Warnw("task_drain_timeout", "task_id", entry.ID)
			return
		}
	}
}

// readLines splits r into lines until EOF. Lines longer than maxLineBytes
// are cut and marked so the stream keeps draining.
func (s *TaskService) readLines(taskID string, r io.Reader, prefix string, out chan<- string, quit <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	if r == nil {
		return
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line    []byte
		dropped int
	)
	emit := func() bool {
		text := prefix + trimCR(string(line))
		if dropped > 0 {
			text += fmt.Sprintf(" [truncated %d bytes]", dropped)
			s.log.Warnw("task_output_line_truncated", "task_id", taskID, "dropped_bytes", dropped)
		}
		line, dropped = line[:0], 0
		select {
		case out <- text:
			return true
		case <-quit:
			return false
		}
	}

	for {
		chunk, more, err := br.ReadLine()
		if room := maxLineBytes - len(line); room > 0 {
			n := min(room, len(chunk))
			line = append(line, chunk[:n]...)
			dropped += len(chunk) - n
		} else {
			dropped += len(chunk)
		}

		if err != nil {
			if len(line) > 0 || dropped > 0 {
				emit()
			}
			if err != io.EOF {
				s.log.Debugw("task_output_read_stopped", "task_id", taskID, "error", err)
			}
			return
		}
		if more {
			continue
		}
		if !emit() {
			return
		}
	}
}

func trimCR(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\r' {
		return s[:n-1]
	}
	return s
}
