package errors

// ErrorCategory classifies errors by how the lifecycle reacts to them.
type ErrorCategory string

// Error categories.
const (
	// CategoryFatal indicates a programming error returned synchronously.
	// It is never routed through an error boundary.
	CategoryFatal ErrorCategory = "fatal"

	// CategoryLifecycle indicates a failure that moves the process towards
	// exit with a non-zero code.
	CategoryLifecycle ErrorCategory = "lifecycle"

	// CategoryScope indicates a failure captured by a unit-of-work scope.
	// It does not affect the process lifecycle on its own.
	CategoryScope ErrorCategory = "scope"

	// CategoryInternal indicates unexpected errors and recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// AffectsExit reports whether errors in this category resolve the process
// exit code to a failure by default.
func (c ErrorCategory) AffectsExit() bool {
	switch c {
	case CategoryLifecycle, CategoryInternal:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes.
const (
	// Fatal
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED" // Start called twice
	ErrCodeHookRegistered ErrorCode = "HOOK_REGISTERED" // Hook registered twice
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"   // Invalid configuration or argument

	// Lifecycle
	ErrCodeStartupFailure  ErrorCode = "STARTUP_FAILURE"  // Start hook failed
	ErrCodeShutdownFailure ErrorCode = "SHUTDOWN_FAILURE" // Shutdown hook failed
	ErrCodeTimeout         ErrorCode = "TIMEOUT"          // Escalation timer fired
	ErrCodeSpawnFailed     ErrorCode = "SPAWN_FAILED"     // Worker could not be spawned

	// Scope
	ErrCodeUnitOfWork ErrorCode = "UNIT_OF_WORK_FAILURE" // Failure inside a wrapped unit
	ErrCodeRecursive  ErrorCode = "RECURSIVE_FAILURE"    // Second failure for a failing scope

	// Internal
	ErrCodeInternal   ErrorCode = "INTERNAL"    // Unexpected internal error
	ErrCodePanic      ErrorCode = "PANIC"       // Recovered from panic
	ErrCodeLinkClosed ErrorCode = "LINK_CLOSED" // Control link is closed
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeAlreadyStarted, ErrCodeHookRegistered, ErrCodeInvalidInput:
		return CategoryFatal

	case ErrCodeStartupFailure, ErrCodeShutdownFailure, ErrCodeTimeout, ErrCodeSpawnFailed:
		return CategoryLifecycle

	case ErrCodeUnitOfWork, ErrCodeRecursive:
		return CategoryScope

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeAlreadyStarted:  "cannot start the graceful application more than one time",
	ErrCodeHookRegistered:  "hook already registered",
	ErrCodeInvalidInput:    "invalid input provided",
	ErrCodeStartupFailure:  "start hook failed",
	ErrCodeShutdownFailure: "shutdown hook failed",
	ErrCodeTimeout:         "shutdown timed out",
	ErrCodeSpawnFailed:     "worker spawn failed",
	ErrCodeUnitOfWork:      "unit of work failed",
	ErrCodeRecursive:       "recursive failure in error handler",
	ErrCodeInternal:        "internal error",
	ErrCodePanic:           "recovered from panic",
	ErrCodeLinkClosed:      "control link closed",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
