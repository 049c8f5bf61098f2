package fleet

import (
	"strconv"

	"github.com/vinayprograms/gracekit/ipc"
)

// Process is a running worker process.
type Process interface {
	// Pid returns the OS process id.
	Pid() int

	// Kill terminates the process immediately.
	Kill() error

	// Wait blocks until the process exits. signal is empty unless the
	// process was terminated by one.
	Wait() (code int, signal string, err error)
}

// WorkerHandle is the master's view of one worker. Owned by the
// Coordinator; read it on the loop.
type WorkerHandle struct {
	ID  int
	PID int

	// ExitCode is set once the worker has exited.
	ExitCode *int
	Signal   string

	Online              bool
	DestroyRequested    bool
	DestroyConfirmed    bool
	DisconnectRequested bool

	proc       Process
	conn       ipc.Conn
	readerDone chan struct{}
}

// Key is the id as carried on the control link.
func (h *WorkerHandle) Key() string {
	return strconv.Itoa(h.ID)
}

// Exited reports whether the worker's exit has been processed.
func (h *WorkerHandle) Exited() bool {
	return h.ExitCode != nil
}
