package lifecycle

import (
	"os"
	"time"

	"github.com/vinayprograms/gracekit/fleet"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/logging"
	"github.com/vinayprograms/gracekit/metrics"
	"github.com/vinayprograms/gracekit/telemetry"
)

// DefaultForcedExitCode is reported for workers killed by a forced shutdown.
const DefaultForcedExitCode = 1

// Exiter terminates the process.
type Exiter interface {
	Exit(code int)
}

// ExiterFunc adapts a function to Exiter.
type ExiterFunc func(code int)

// Exit calls f(code).
func (f ExiterFunc) Exit(code int) {
	f(code)
}

// Console is the interactive terminal of the master.
type Console interface {
	// Echo writes s to the terminal.
	Echo(s string)
	// Close stops reading terminal input.
	Close() error
}

// Config configures a Controller. The zero value is usable.
type Config struct {
	// Role defaults to DetectRole(os.Getenv).
	Role Role

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer

	// Exiter defaults to os.Exit.
	Exiter Exiter

	// Spawner starts workers on the master.
	// Default: a fleet.ExecSpawner re-executing the current binary.
	Spawner fleet.Spawner

	// Link is the worker's control link. Default: opened from the
	// environment set by the master.
	Link ipc.Conn

	// WorkerID defaults to the GRACEKIT_WORKER_ID environment variable.
	WorkerID string

	// ForcedExitCode is the code reported for workers destroyed by a forced
	// shutdown. Zero means DefaultForcedExitCode.
	ForcedExitCode int

	// ShutdownTimeout arms the escalation timer without a timeout callback.
	// Timeout overrides it.
	ShutdownTimeout time.Duration

	// DisableSignals leaves SIGINT and SIGTERM alone.
	DisableSignals bool

	// Console defaults to the Windows console on Windows, none elsewhere.
	Console Console
}

func (c Config) withDefaults() Config {
	if c.Role == RoleAuto {
		c.Role = DetectRole(os.Getenv)
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
	if c.Exiter == nil {
		c.Exiter = ExiterFunc(os.Exit)
	}
	if c.ForcedExitCode == 0 {
		c.ForcedExitCode = DefaultForcedExitCode
	}
	if c.WorkerID == "" {
		c.WorkerID = os.Getenv(ipc.EnvWorkerID)
	}
	if c.Console == nil && c.Role == Master {
		c.Console = newConsole()
	}
	return c
}
