// Package errors provides the structured error taxonomy used by gracekit's
// lifecycle, fleet and boundary packages.
//
// # Error Categories
//
//   - Fatal: programming errors surfaced synchronously to the caller
//     (starting twice, registering a hook twice)
//   - Lifecycle: failures that drive the process towards exit (start and
//     shutdown hook failures, escalation timeouts)
//   - Scope: failures captured by an error boundary scope
//   - Internal: unexpected errors, recovered panics, broken links
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeStartupFailure, "start hook failed")
//
// Wrap an existing error with context:
//
//	wrapped := errors.WrapWithCode(err, errors.ErrCodeShutdownFailure, "closing log")
//
// Check the code anywhere in a chain:
//
//	if errors.Is(err, errors.ErrCodeAlreadyStarted) {
//	    // programming error
//	}
//
// Recovered panics become PANIC errors carrying the goroutine stack:
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        err = errors.RecoverPanic(r)
//	    }
//	}()
package errors
