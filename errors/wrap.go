package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a LifecycleError, its code and category are kept.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var lerr *Error
	if errors.As(err, &lerr) {
		wrapped := &Error{
			code:      lerr.code,
			category:  lerr.category,
			message:   message,
			cause:     err,
			metadata:  lerr.Metadata(),
			timestamp: lerr.timestamp,
			stack:     lerr.stack,
			workerID:  lerr.workerID,
			scopeID:   lerr.scopeID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsLifecycleError extracts a LifecycleError from an error chain.
// Returns nil if none is found.
func AsLifecycleError(err error) LifecycleError {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if lerr, ok := err.(*Error); ok && lerr.code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsCategory checks if the outermost LifecycleError has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.category == category
	}
	return false
}

// IsFatal checks if the error is a fatal programming error.
func IsFatal(err error) bool {
	return IsCategory(err, CategoryFatal)
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// As is errors.As, re-exported so callers importing this package under the
// name errors keep access to it.
func As(err error, target any) bool {
	return errors.As(err, target)
}
