package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInput             = errors.New("input error")
	ErrTransient         = errors.New("transient failure")
	ErrValidation        = errors.New("validation error")
	ErrRender            = errors.New("render error")
	ErrStorage           = errors.New("storage error")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Wrap builds an error message with stage context while tagging it with a
// marker for later classification. The marker should be one of the sentinels above.
func Wrap(marker error, stage Stage, operation, message string, err error) error {
	detail := buildDetail(string(stage), operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ValidationError carries every violated timeline rule, never just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "timeline validation failed"
	}
	return fmt.Sprintf("timeline validation failed (%d errors): %s", len(e.Violations), strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Retryable reports whether err carries the transient marker.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// permanentError hides the transient marker of an error whose retry budget is spent.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Is(target error) bool {
	if target == ErrTransient {
		return false
	}
	return errors.Is(e.err, target)
}

// Permanent converts an exhausted transient error into one outer layers will not retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
