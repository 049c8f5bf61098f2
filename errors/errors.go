package errors

import (
	"fmt"
	"runtime/debug"
	"time"
)

// LifecycleError is the interface for all structured errors in gracekit.
type LifecycleError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category.
	Category() ErrorCategory

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of LifecycleError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	timestamp time.Time
	stack     []byte
	workerID  string // worker the failure belongs to, if any
	scopeID   string // boundary scope the failure was captured in, if any
}

var _ LifecycleError = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.message {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Stack returns the goroutine stack captured for recovered panics.
func (e *Error) Stack() []byte {
	return e.stack
}

// WorkerID returns the worker the error belongs to, if set.
func (e *Error) WorkerID() string {
	return e.workerID
}

// ScopeID returns the boundary scope the error was captured in, if set.
func (e *Error) ScopeID() string {
	return e.scopeID
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithWorkerID sets the worker the failure belongs to.
func WithWorkerID(id string) Option {
	return func(e *Error) {
		e.workerID = id
	}
}

// WithScopeID sets the boundary scope the failure was captured in.
func WithScopeID(id string) Option {
	return func(e *Error) {
		e.scopeID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// WithStack attaches a stack trace.
func WithStack(stack []byte) Option {
	return func(e *Error) {
		e.stack = stack
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// AlreadyStarted is returned when a controller is started a second time.
func AlreadyStarted() *Error {
	return FromCode(ErrCodeAlreadyStarted)
}

// HookRegistered is returned when a lifecycle hook is registered twice.
func HookRegistered(hook string) *Error {
	return New(ErrCodeHookRegistered, fmt.Sprintf("%s hook already registered", hook),
		WithMetadata("hook", hook))
}

// StartupFailure wraps an error raised by the start hook.
func StartupFailure(cause error) *Error {
	return WrapWithCode(cause, ErrCodeStartupFailure, ErrCodeStartupFailure.Description())
}

// ShutdownFailure wraps an error raised by the shutdown hook.
func ShutdownFailure(cause error) *Error {
	return WrapWithCode(cause, ErrCodeShutdownFailure, ErrCodeShutdownFailure.Description())
}

// Timeout creates an escalation timeout error.
func Timeout(after time.Duration) *Error {
	return New(ErrCodeTimeout, fmt.Sprintf("shutdown did not complete within %s", after),
		WithMetadata("timeout", after.String()))
}

// LinkClosed creates a control link closed error.
func LinkClosed(opts ...Option) *Error {
	return FromCode(ErrCodeLinkClosed, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// RecoverPanic converts a recovered panic value into an Error carrying the
// current goroutine stack. Call it from the deferred function that recovered.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	var cause error
	switch v := recovered.(type) {
	case error:
		message = v.Error()
		cause = v
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message,
		WithCause(cause),
		WithStack(debug.Stack()),
		WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
