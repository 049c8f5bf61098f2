// Package worker intercepts the control link inside a worker process.
//
// Lifecycle messages from the master never reach application code: a
// disconnect request is turned into a graceful shutdown of the worker, and
// a destroy request synthesizes the worker's exit notification and answers
// with an acknowledgment so the master knows it may kill the process.
// Every other message is delivered to the OnMessage observers.
//
// All routing runs on the worker's event loop.
package worker

import (
	"strconv"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/logging"
	"github.com/vinayprograms/gracekit/loop"
)

// Controller is the part of the lifecycle controller the interceptor drives.
// Every method is called on the loop.
type Controller interface {
	// Started reports whether the start hook has been invoked.
	Started() bool

	// ShutdownForDisconnect starts a graceful shutdown and runs disconnect,
	// instead of self-destructing, once the shutdown hook completes. Before
	// start it disconnects and exits without running any hook.
	ShutdownForDisconnect(disconnect func())

	// PrepareDestroy fires the exit notification with code unless the
	// worker already resolved its own code. The process is killed by the
	// master right after.
	PrepareDestroy(code int)

	// LinkLost is called when the master end hangs up unexpectedly.
	LinkLost()
}

// Interceptor owns the worker end of a control link.
type Interceptor struct {
	id     string
	conn   ipc.Conn
	loop   *loop.Loop
	logger *logging.Logger
	ctrl   Controller

	observers []func(ipc.Message)

	attached     bool
	disconnected bool
	destroying   bool
}

// New creates an interceptor for worker id over conn.
func New(id string, conn ipc.Conn, l *loop.Loop, logger *logging.Logger) *Interceptor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Interceptor{
		id:     id,
		conn:   conn,
		loop:   l,
		logger: logger.WithComponent("worker").With(map[string]interface{}{"worker": id}),
	}
}

// ID returns the worker id assigned by the master.
func (i *Interceptor) ID() string {
	return i.id
}

// WorkerID returns the id as an integer, or -1 if it is not numeric.
func (i *Interceptor) WorkerID() int {
	n, err := strconv.Atoi(i.id)
	if err != nil {
		return -1
	}
	return n
}

// OnMessage registers an observer for application messages. Observers run
// on the loop.
func (i *Interceptor) OnMessage(fn func(ipc.Message)) {
	i.observers = append(i.observers, fn)
}

// Attach binds the interceptor to ctrl, starts reading the link and
// announces the worker to the master. Call it once, from the loop.
func (i *Interceptor) Attach(ctrl Controller) error {
	if i.attached {
		return errors.Internal("interceptor already attached")
	}
	i.attached = true
	i.ctrl = ctrl

	go i.readLoop()

	if err := i.conn.Send(ipc.Online(i.id)); err != nil {
		return errors.LinkClosed(errors.WithCause(err), errors.WithWorkerID(i.id))
	}
	return nil
}

// Send delivers an application payload to the master.
func (i *Interceptor) Send(v interface{}) error {
	m, err := ipc.Payload(v)
	if err != nil {
		return errors.InvalidInput(err.Error(), errors.WithCause(err))
	}
	if i.disconnected {
		return errors.LinkClosed(errors.WithWorkerID(i.id))
	}
	if err := i.conn.Send(m); err != nil {
		return errors.LinkClosed(errors.WithCause(err), errors.WithWorkerID(i.id))
	}
	return nil
}

// Disconnect closes the link. The master observes the hang-up and the
// worker's exit. Safe to call more than once.
func (i *Interceptor) Disconnect() {
	if i.disconnected {
		return
	}
	i.disconnected = true
	if err := i.conn.Close(); err != nil {
		i.logger.Debug("closing link", map[string]interface{}{"error": err})
	}
}

// Disconnected reports whether the link was closed locally.
func (i *Interceptor) Disconnected() bool {
	return i.disconnected
}

func (i *Interceptor) readLoop() {
	for m := range i.conn.Recv() {
		m := m
		i.loop.Post(func() {
			i.route(m)
		})
	}
	i.loop.Post(i.hangup)
}

func (i *Interceptor) route(m ipc.Message) {
	switch m.Kind {
	case ipc.KindDisconnect:
		i.handleDisconnect(m)
	case ipc.KindDestroy:
		i.handleDestroy(m)
	case ipc.KindOnline:
		i.logger.Debug("ignoring online message from master")
	default:
		for _, fn := range i.observers {
			fn(m)
		}
	}
}

func (i *Interceptor) handleDisconnect(m ipc.Message) {
	i.logger.Info("disconnect requested by master")
	if i.destroying || i.disconnected {
		return
	}
	// Before start the controller skips the hooks and exits right away.
	i.ctrl.ShutdownForDisconnect(i.Disconnect)
}

func (i *Interceptor) handleDestroy(m ipc.Message) {
	code := 0
	if m.Code != nil {
		code = *m.Code
	}
	i.logger.Info("destroy requested by master", map[string]interface{}{"code": code})

	if !i.destroying {
		i.destroying = true
		if i.ctrl.Started() {
			i.ctrl.PrepareDestroy(code)
		}
	}

	// The acknowledgment must reach the master even if the exit hook
	// misbehaved, otherwise the worker is never killed.
	if err := i.conn.Send(ipc.Ack(m)); err != nil {
		i.logger.Warn("sending destroy acknowledgment", map[string]interface{}{"error": err})
	}
}

func (i *Interceptor) hangup() {
	if i.disconnected || i.destroying {
		return
	}
	i.logger.Warn("master hung up the control link")
	i.disconnected = true
	i.conn.Close()
	if i.ctrl != nil {
		i.ctrl.LinkLost()
	}
}
