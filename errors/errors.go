// Package errors provides standardized error handling patterns for TLL
// channels. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping and classification across
// the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes,
// mirroring spec §7's Transport/Resource-Protocol/Fatal categories.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried (the
	// EAGAIN-equivalent of spec §4.1/§5).
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input, configuration, or
	// protocol violation.
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that push a channel to Error.
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// ErrAgain is the EAGAIN-equivalent: nothing to do right now, not a failure.
	ErrAgain = errors.New("eagain: operation would block")

	// Channel lifecycle errors
	ErrBadTransition = errors.New("illegal channel state transition")
	ErrAlreadyOpen   = errors.New("channel already open")
	ErrNotOpen       = errors.New("channel not open")
	ErrClosed        = errors.New("channel is closed")

	// ErrOpenPending is returned by an Impl's OnOpen to signal that the
	// open is asynchronous: the channel stays in Opening and the
	// implementation completes the transition itself later via
	// Core.Activate, once whatever it was waiting on (sub-channels
	// reaching Active, a catch-up read finishing, ...) is done.
	ErrOpenPending = errors.New("channel open is pending")

	// Config/init errors
	ErrInvalidURL    = errors.New("invalid channel url")
	ErrMissingConfig = errors.New("missing required configuration key")

	// Resource errors
	ErrAddrInUse        = errors.New("address already in use")
	ErrPermissionDenied = errors.New("permission denied")
	ErrFileCorrupt      = errors.New("file corrupt")

	// Protocol errors
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrSeqRegression     = errors.New("sequence number regression")
	ErrSizeMismatch      = errors.New("size mismatch")

	// Callback registry
	ErrDuplicateCallback = errors.New("duplicate callback registration")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrAgain) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "temporary", "eagain", "would block"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should push the channel to Error
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrFileCorrupt) || errors.Is(err, ErrSeqRegression) {
		return true
	}

	return false
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	return ErrorInvalid
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrapped, component, method, wrapped.Error())
}
