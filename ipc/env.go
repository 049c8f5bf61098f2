package ipc

import (
	"fmt"
	"os"

	"github.com/vinayprograms/gracekit/bus"
	"github.com/vinayprograms/gracekit/logging"
)

// Environment passed from the master to every worker it spawns.
const (
	EnvWorkerID = "GRACEKIT_WORKER_ID"
	EnvLink     = "GRACEKIT_LINK"
	EnvNATSURL  = "GRACEKIT_NATS_URL"
	EnvCluster  = "GRACEKIT_CLUSTER"
)

// Link transports.
const (
	TransportPipe = "pipe"
	TransportNATS = "nats"
)

// File descriptors of the pipe link inside a worker.
const (
	WorkerReadFD  = 3 // master → worker
	WorkerWriteFD = 4 // worker → master
)

// OpenWorker opens the worker end of the control link described by the
// environment. getenv is usually os.Getenv.
func OpenWorker(getenv func(string) string, logger *logging.Logger) (Conn, error) {
	id := getenv(EnvWorkerID)
	if id == "" {
		return nil, fmt.Errorf("%s not set", EnvWorkerID)
	}

	switch transport := getenv(EnvLink); transport {
	case "", TransportPipe:
		r := os.NewFile(WorkerReadFD, "gracekit-link-r")
		w := os.NewFile(WorkerWriteFD, "gracekit-link-w")
		if r == nil || w == nil {
			return nil, fmt.Errorf("control pipes not inherited")
		}
		return NewPipeConn(r, w, DefaultConfig(), logger), nil

	case TransportNATS:
		cfg := bus.DefaultNATSConfig()
		if url := getenv(EnvNATSURL); url != "" {
			cfg.URL = url
		}
		cfg.Name = "gracekit-worker-" + id
		cfg.Logger = loggerOrNop(logger)
		b, err := bus.NewNATSBus(cfg)
		if err != nil {
			return nil, err
		}
		down, up := Subjects(getenv(EnvCluster), id)
		conn, err := NewBusConn(b, up, down, DefaultConfig(), OwnBus(), WithBusLogger(loggerOrNop(logger)))
		if err != nil {
			b.Close()
			return nil, err
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("unknown link transport %q", transport)
	}
}

func loggerOrNop(l *logging.Logger) *logging.Logger {
	if l == nil {
		return logging.Nop()
	}
	return l
}
