package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Callers match with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrAlreadyRunning       = errors.New("already running")
	ErrNotRunning           = errors.New("not running")
	ErrCorrupt              = errors.New("corrupt document")
	ErrPlatformUnavailable  = errors.New("platform unavailable")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrPartialFailure       = errors.New("partial failure")
	ErrInvalid              = errors.New("invalid record")
	ErrConfirmationRequired = errors.New("confirmation required")
)

// CorruptError reports a store or config document that failed to parse.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCorrupt, e.Err} }

// PartialFailureError reports an operation that completed some but not all steps.
// Backups lists every snapshot taken so the user can recover by hand.
type PartialFailureError struct {
	Op      string
	Failed  []StepResult
	Backups []BackupRecord
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, s := range e.Failed {
		if s.Err != nil {
			parts = append(parts, fmt.Sprintf("%s %s: %v", s.Step, s.Target, s.Err))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s", s.Step, s.Target))
		}
	}
	return fmt.Sprintf("%s: %d step(s) failed: %s", e.Op, len(e.Failed), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() error { return ErrPartialFailure }

// WrapPermission maps os permission errors onto ErrPermissionDenied and keeps the cause.
func WrapPermission(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
}
