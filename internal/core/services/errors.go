package services

import (
	"errors"
	"fmt"
)

// Task errors
var (
	ErrTaskNotFound       = errors.New("task: not found")
	ErrTaskAlreadyRunning = errors.New("task: already running")
	ErrInvalidTaskID      = errors.New("task: invalid task id")
	ErrUnknownJobKind     = errors.New("task: unknown job kind")
	ErrInvalidJobParams   = errors.New("task: invalid job parameters")
	ErrJobKindBusy        = errors.New("task: another task of this kind is active")
	ErrShuttingDown       = errors.New("task: engine shutting down")
	ErrCancelIrreversible = errors.New("task: cancel flag cannot be cleared")
)

// Transport errors
var (
	ErrTransport = errors.New("transport: remote operation failed")
)

// Report errors
var (
	ErrReportNotFound     = errors.New("report: not found")
	ErrRegenerationFailed = errors.New("report: regeneration failed")
)

// Upload errors
var (
	ErrUploadInvalid = errors.New("upload: invalid file")
	ErrUploadFailed  = errors.New("upload: transfer failed")
)

// Dish errors
var (
	ErrDishNotFound     = errors.New("dish: not found")
	ErrDishInvalidInput = errors.New("dish: invalid input")
)

// CommandError reports a remote command that exited with a non-zero status.
type CommandError struct {
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("task: remote command exited with code %d", e.ExitCode)
}

// transportError tags err as ErrTransport while keeping the cause matchable.
func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
