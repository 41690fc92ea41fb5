package services

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/probehub/backend/internal/infrastructure/logger"
)

// Supervisor owns the task worker goroutines. A panicking worker is
// recovered and reported through onPanic instead of taking the process down.
type Supervisor struct {
	wg  sync.WaitGroup
	log *logger.Logger
}

func NewSupervisor(log *logger.Logger) *Supervisor {
	return &Supervisor{log: log}
}

func (s *Supervisor) Go(taskID string, fn func(), onPanic func(err error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("worker panic: %v", r)
				s.log.Errorw("task_worker_panic", "task_id", taskID, "error", err, "stack", string(debug.Stack()))
				if onPanic != nil {
					onPanic(err)
				}
			}
		}()
		fn()
	}()
}

// Wait blocks until every worker returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
