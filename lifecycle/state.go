package lifecycle

import (
	"github.com/vinayprograms/gracekit/ipc"
)

// State is the lifecycle state of a process. It only moves forward.
type State int32

const (
	Idle State = iota
	Running
	ShuttingDown
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Role tells the master from its workers.
type Role int

const (
	// RoleAuto detects the role from the environment.
	RoleAuto Role = iota
	Master
	Worker
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Worker:
		return "worker"
	default:
		return "auto"
	}
}

// DetectRole returns Worker when the spawner's worker id is set.
func DetectRole(getenv func(string) string) Role {
	if getenv(ipc.EnvWorkerID) != "" {
		return Worker
	}
	return Master
}
