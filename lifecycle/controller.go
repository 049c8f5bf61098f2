package lifecycle

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/gracekit/boundary"
	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/fleet"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/logging"
	"github.com/vinayprograms/gracekit/loop"
	"github.com/vinayprograms/gracekit/metrics"
	"github.com/vinayprograms/gracekit/telemetry"
	"github.com/vinayprograms/gracekit/worker"
)

// StartFunc is the start hook. ctx carries the process scope, so work
// started with boundary.Go reports its failures to the controller.
type StartFunc func(ctx context.Context) error

// ShutdownFunc is the shutdown hook. It must eventually call done, from
// any goroutine; calls after the first, or after a forced shutdown, are
// ignored.
type ShutdownFunc func(ctx context.Context, done func(error))

// ExitFunc is the exit hook. It runs once, with the resolved exit code,
// right before the process exits.
type ExitFunc func(code int)

// ErrorFunc receives every failure that reaches the process-wide default
// handler, including failed units of work that did not prevent it.
type ErrorFunc func(err error)

// ShutdownRequest records the first shutdown call.
type ShutdownRequest struct {
	// RequestedExitCode overrides the computed code when set.
	RequestedExitCode *int
	// Forced is set when the escalation timer fired.
	Forced  bool
	ArmedAt time.Time
}

// Controller drives one process through its lifecycle.
type Controller struct {
	cfg     Config
	role    Role
	loop    *loop.Loop
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	exiter  Exiter
	console Console

	boundary *boundary.Boundary
	scope    *boundary.Scope

	fleet *fleet.Coordinator
	link  *worker.Interceptor

	mu         sync.Mutex
	onStart    StartFunc
	onShutdown ShutdownFunc
	onExit     ExitFunc
	onError    ErrorFunc
	timeout    *escalation

	started atomic.Bool
	state   atomic.Int32

	// Loop-owned.
	req          *ShutdownRequest
	esc          *escalation
	hookDone     bool
	hasWorkers   bool
	disconnect   func()
	terminating  bool
	exitFired    bool
	finalized    bool
	ctrlc        bool
	sigs         chan os.Signal
	shutdownSpan trace.Span

	code int
	done chan struct{}
}

// New creates a controller and starts its event loop. In the worker role it
// also attaches to the control link, so lifecycle messages from the master
// are honored even before Start.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:     cfg,
		role:    cfg.Role,
		logger:  cfg.Logger.WithComponent("lifecycle").With(map[string]interface{}{"role": cfg.Role.String()}),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		exiter:  cfg.Exiter,
		console: cfg.Console,
		done:    make(chan struct{}),
	}
	if cfg.ShutdownTimeout > 0 {
		c.timeout = &escalation{d: cfg.ShutdownTimeout}
	}
	c.loop = loop.New(loop.WithPanicHandler(c.loopPanic))

	c.boundary = boundary.New(c.processFailure,
		boundary.WithLogger(cfg.Logger),
		boundary.WithMetrics(cfg.Metrics),
		boundary.WithTracer(cfg.Tracer),
		boundary.WithFatalHandler(c.fatal),
	)

	ctx := context.Background()
	switch c.role {
	case Master:
		spawner := cfg.Spawner
		if spawner == nil {
			spawner = &fleet.ExecSpawner{Logger: cfg.Logger}
		}
		c.fleet = fleet.New(c.loop, spawner,
			fleet.WithLogger(cfg.Logger),
			fleet.WithMetrics(cfg.Metrics),
			fleet.WithTracer(cfg.Tracer),
		)

	case Worker:
		ctx = fleet.TraceContext(ctx, os.Environ())
		conn := cfg.Link
		if conn == nil {
			var err error
			conn, err = ipc.OpenWorker(os.Getenv, cfg.Logger)
			if err != nil {
				return nil, errors.WrapWithCode(err, errors.ErrCodeLinkClosed, "open control link",
					errors.WithWorkerID(cfg.WorkerID))
			}
		}
		c.link = worker.New(cfg.WorkerID, conn, c.loop, cfg.Logger)
		c.loop.Post(func() {
			if err := c.link.Attach(c); err != nil {
				c.logger.Warn("attach control link", map[string]interface{}{"error": err})
			}
		})

	default:
		return nil, errors.InvalidInput("unknown role " + c.role.String())
	}

	c.scope = c.boundary.NewScope(ctx, nil, boundary.Persistent())
	c.metrics.SetState(int(Idle))
	c.loop.Start()
	return c, nil
}

// OnStart registers the start hook.
func (c *Controller) OnStart(fn StartFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		return errors.InvalidInput("nil start hook")
	}
	if c.onStart != nil {
		return errors.HookRegistered("start")
	}
	c.onStart = fn
	return nil
}

// OnShutdown registers the shutdown hook.
func (c *Controller) OnShutdown(fn ShutdownFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		return errors.InvalidInput("nil shutdown hook")
	}
	if c.onShutdown != nil {
		return errors.HookRegistered("shutdown")
	}
	c.onShutdown = fn
	return nil
}

// OnExit registers the exit hook.
func (c *Controller) OnExit(fn ExitFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		return errors.InvalidInput("nil exit hook")
	}
	if c.onExit != nil {
		return errors.HookRegistered("exit")
	}
	c.onExit = fn
	return nil
}

// OnError registers the error hook. Without one, failures are logged.
func (c *Controller) OnError(fn ErrorFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		return errors.InvalidInput("nil error hook")
	}
	if c.onError != nil {
		return errors.HookRegistered("error")
	}
	c.onError = fn
	return nil
}

// Timeout arms an escalation timer of d whenever shutdown begins. If the
// shutdown hook has not called done when it fires, the shutdown becomes
// forced: onTimeout, if set, is called with a function that forces
// termination; otherwise termination is forced immediately.
func (c *Controller) Timeout(d time.Duration, onTimeout func(forceNow func())) error {
	if d <= 0 {
		return errors.InvalidInput("timeout must be positive")
	}
	c.mu.Lock()
	c.timeout = &escalation{d: d, onTimeout: onTimeout}
	c.mu.Unlock()
	return nil
}

// Start runs the start hook. It may be called once; later calls return
// ALREADY_STARTED and do nothing else.
func (c *Controller) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.AlreadyStarted()
	}
	c.loop.Post(c.start)
	return nil
}

// Shutdown begins a graceful shutdown. Only the first call, of Shutdown or
// ShutdownWithCode, has an effect.
func (c *Controller) Shutdown() {
	c.loop.Post(func() {
		c.shutdown(nil)
	})
}

// ShutdownWithCode is Shutdown with an exit code that overrides the
// computed one.
func (c *Controller) ShutdownWithCode(code int) {
	c.loop.Post(func() {
		c.shutdown(&code)
	})
}

// Wait blocks until the process has finalized and returns the exit code.
// With the default Exiter the process exits before Wait returns.
func (c *Controller) Wait() int {
	<-c.done
	return c.code
}

// Done is closed once the process has finalized.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Role returns the process role.
func (c *Controller) Role() Role {
	return c.role
}

// Fleet returns the worker fleet. Nil on workers. Use it on the loop: from
// a hook, an observer, or through Do.
func (c *Controller) Fleet() *fleet.Coordinator {
	return c.fleet
}

// Link returns the control-link interceptor. Nil on the master.
func (c *Controller) Link() *worker.Interceptor {
	return c.link
}

// Context returns the process scope context. Failures reported through it
// with boundary.Go or boundary.Fail shut the process down with code 1.
func (c *Controller) Context() context.Context {
	return c.scope.Context()
}

// Boundary returns the process-wide boundary, whose default handler is the
// error hook. Use it to wrap units of work; their failures reach the error
// hook but leave the process running unless a handler shuts it down.
func (c *Controller) Boundary() *boundary.Boundary {
	return c.boundary
}

// Post runs fn on the loop. It returns false once the process finalized.
func (c *Controller) Post(fn func()) bool {
	return c.loop.Post(fn)
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop itself.
func (c *Controller) Do(fn func()) bool {
	return c.loop.Do(fn)
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.StateChange(prev.String(), s.String())
	}
	c.metrics.SetState(int(s))
}

func (c *Controller) start() {
	if c.req != nil || c.finalized {
		return
	}
	c.setState(Running)
	c.watchSignals()

	c.mu.Lock()
	hook := c.onStart
	c.mu.Unlock()

	if hook == nil {
		c.logger.Info("no start hook registered, shutting down")
		c.shutdown(nil)
		return
	}

	ctx, span := c.tracer.StartHookSpan(c.scope.Context(), "start", c.role.String())
	ok := false
	c.scope.Run(func(context.Context) error {
		if err := hook(ctx); err != nil {
			return errors.StartupFailure(err)
		}
		ok = true
		return nil
	})

	if !ok {
		c.tracer.EndHookSpan(span, telemetry.HookSpanOptions{ExitCode: 1}, errors.FromCode(errors.ErrCodeStartupFailure))
		return
	}
	c.tracer.EndHookSpan(span, telemetry.HookSpanOptions{}, nil)
	c.logger.Info("started")

	if c.role == Master {
		c.fleet.OnEmpty(func() {
			c.logger.Info("all workers exited")
			c.shutdown(nil)
		})
	}
}

// processFailure is the default handler of the process boundary. It may
// run on any goroutine. Only failures of the process scope end the process;
// a failed unit of work is reported and the process keeps running.
func (c *Controller) processFailure(err error, sc *boundary.Scope) {
	process := sc == c.scope
	c.loop.Post(func() {
		c.emitError(err)
		if process {
			one := 1
			c.shutdown(&one)
		}
	})
}

// loopPanic handles panics escaping loop tasks, such as fleet observers.
func (c *Controller) loopPanic(recovered interface{}) {
	c.emitError(errors.RecoverPanic(recovered))
	one := 1
	c.shutdown(&one)
}

// fatal finalizes with 1 when failure handling itself failed.
func (c *Controller) fatal(recovered interface{}) {
	c.loop.Post(func() {
		perr := errors.RecoverPanic(recovered)
		c.logger.Error("failure handler panicked", map[string]interface{}{
			"error": perr,
			"stack": string(perr.Stack()),
		})
		c.finalize(1)
	})
}

// emitError hands err to the error hook. A panicking error hook is fatal.
func (c *Controller) emitError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()

	if fn == nil {
		c.logger.Error("uncaught error", map[string]interface{}{"error": err})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			perr := errors.RecoverPanic(r)
			c.logger.Error("error hook panicked", map[string]interface{}{
				"error": perr,
				"stack": string(perr.Stack()),
			})
			c.finalize(1)
		}
	}()
	fn(err)
}
