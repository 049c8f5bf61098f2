package shutdown

import (
	"context"
	"time"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/logging"
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown is called when the process shuts down. The context is
	// cancelled when the plan's timeout is reached. Implementations should
	// stop accepting new work, finish what is in flight if time permits, and
	// release resources.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc is a convenience type for simple shutdown functions.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	// Name of the handler.
	Name string

	// Phase the handler was registered with.
	Phase int

	// Duration how long the handler took to shut down.
	Duration time.Duration

	// Err is any error returned by the handler.
	Err error
}

// Result contains the complete outcome of a plan run.
type Result struct {
	// TotalDuration of the entire run.
	TotalDuration time.Duration

	// Results for each handler that ran.
	Results []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Plan.
type Config struct {
	// Timeout bounds the whole run; handlers see their context cancelled
	// when it elapses. Zero means no bound: the lifecycle escalation timer
	// is then the only limit.
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: 100
	DefaultPhase int

	// ContinueOnError determines whether later phases still run after a
	// handler failed.
	// Default: true
	ContinueOnError bool

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult)

	// Logger defaults to a "shutdown" component logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.InvalidInput("shutdown timeout must not be negative")
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler Handler
	phase   int
}
