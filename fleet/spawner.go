package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vinayprograms/gracekit/bus"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/logging"
	"github.com/vinayprograms/gracekit/telemetry"
)

// EnvTracePrefix prefixes the trace-propagation variables handed to workers.
const EnvTracePrefix = "GRACEKIT_TRACE_"

// ExecSpawner re-executes a binary, by default the running one, as a
// worker. The control link is either a pair of inherited pipes or a pair of
// subjects on a message bus.
type ExecSpawner struct {
	// Path to the worker binary. Default: os.Executable().
	Path string

	// Args for the worker. Default: os.Args[1:].
	Args []string

	// Env is appended to the master's environment.
	Env []string

	// Transport is ipc.TransportPipe (default) or ipc.TransportNATS.
	Transport string

	// Bus carries the links when Transport is NATS.
	Bus bus.MessageBus

	// NATSURL is handed to workers so they can join the bus.
	NATSURL string

	// Cluster namespaces the bus subjects of this master.
	Cluster string

	// Stdout and Stderr of workers. Default: the master's.
	Stdout io.Writer
	Stderr io.Writer

	Logger *logging.Logger
}

// Spawn starts worker id.
func (s *ExecSpawner) Spawn(ctx context.Context, id int) (Process, ipc.Conn, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil && len(os.Args) > 1 {
		args = os.Args[1:]
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = writerOr(s.Stdout, os.Stdout)
	cmd.Stderr = writerOr(s.Stderr, os.Stderr)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, ipc.EnvWorkerID+"="+strconv.Itoa(id))
	cmd.Env = append(cmd.Env, traceEnv(ctx)...)

	switch s.Transport {
	case "", ipc.TransportPipe:
		return s.spawnPipe(cmd)
	case ipc.TransportNATS:
		return s.spawnBus(cmd, id)
	default:
		return nil, nil, fmt.Errorf("unknown link transport %q", s.Transport)
	}
}

func (s *ExecSpawner) spawnPipe(cmd *exec.Cmd) (Process, ipc.Conn, error) {
	downR, downW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	upR, upW, err := os.Pipe()
	if err != nil {
		downR.Close()
		downW.Close()
		return nil, nil, err
	}

	cmd.Env = append(cmd.Env, ipc.EnvLink+"="+ipc.TransportPipe)
	// Become fds 3 and 4 in the worker.
	cmd.ExtraFiles = []*os.File{downR, upW}

	err = cmd.Start()
	// The worker holds its own copies now.
	downR.Close()
	upW.Close()
	if err != nil {
		upR.Close()
		downW.Close()
		return nil, nil, err
	}

	conn := ipc.NewPipeConn(upR, downW, ipc.DefaultConfig(), s.Logger)
	return &execProcess{cmd: cmd}, conn, nil
}

func (s *ExecSpawner) spawnBus(cmd *exec.Cmd, id int) (Process, ipc.Conn, error) {
	if s.Bus == nil {
		return nil, nil, errors.New("nats transport needs a bus")
	}

	key := strconv.Itoa(id)
	down, up := ipc.Subjects(s.Cluster, key)
	// Subscribe before the worker can announce itself.
	conn, err := ipc.NewBusConn(s.Bus, down, up, ipc.DefaultConfig(), ipc.WithBusLogger(loggerOrNop(s.Logger)))
	if err != nil {
		return nil, nil, err
	}

	cmd.Env = append(cmd.Env,
		ipc.EnvLink+"="+ipc.TransportNATS,
		ipc.EnvNATSURL+"="+s.NATSURL,
		ipc.EnvCluster+"="+s.Cluster,
	)
	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return &execProcess{cmd: cmd}, conn, nil
}

// traceEnv carries the span in ctx to the worker.
func traceEnv(ctx context.Context) []string {
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)

	var env []string
	for k, v := range carrier {
		env = append(env, EnvTracePrefix+strings.ToUpper(k)+"="+v)
	}
	return env
}

// TraceContext restores, inside a worker, the span context the master
// handed over in the environment.
func TraceContext(ctx context.Context, environ []string) context.Context {
	carrier := telemetry.MapCarrier{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvTracePrefix) {
			continue
		}
		carrier[strings.ToLower(strings.TrimPrefix(k, EnvTracePrefix))] = v
	}
	if len(carrier) == 0 {
		return ctx
	}
	return telemetry.ExtractContext(ctx, carrier)
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() (int, string, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, "", err
	}
	code, signal := exitStatus(p.cmd.ProcessState)
	return code, signal, nil
}

func writerOr(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

func loggerOrNop(l *logging.Logger) *logging.Logger {
	if l == nil {
		return logging.Nop()
	}
	return l
}
