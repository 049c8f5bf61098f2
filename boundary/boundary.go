package boundary

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	gerrors "github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/logging"
	"github.com/vinayprograms/gracekit/metrics"
	"github.com/vinayprograms/gracekit/telemetry"
)

// Handling paths, used for metrics and span events.
const (
	PathLocal     = "local"
	PathDefault   = "default"
	PathRecursive = "recursive"
)

// LocalHandler handles a failure for one scope. Calling preventDefault
// stops the failure from reaching the default handler.
type LocalHandler func(err error, sc *Scope, preventDefault func())

// DefaultHandler is the process-wide fallback for failures.
type DefaultHandler func(err error, sc *Scope)

// Boundary creates scopes that share one default handler.
type Boundary struct {
	def     DefaultHandler
	onFatal func(recovered interface{})
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Boundary) {
		b.logger = l.WithComponent("boundary")
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Boundary) {
		b.metrics = m
	}
}

// WithTracer sets the tracer used for scope spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(b *Boundary) {
		b.tracer = t
	}
}

// WithFatalHandler sets what happens when the default handler itself
// panics. The default writes the panic to stderr and exits with code 1.
func WithFatalHandler(fn func(recovered interface{})) Option {
	return func(b *Boundary) {
		b.onFatal = fn
	}
}

// New creates a Boundary. A nil def logs failures at error level.
func New(def DefaultHandler, opts ...Option) *Boundary {
	b := &Boundary{
		def:    def,
		logger: logging.New().WithComponent("boundary"),
		tracer: telemetry.GetTracer(),
		onFatal: func(recovered interface{}) {
			err := gerrors.RecoverPanic(recovered)
			fmt.Fprintf(os.Stderr, "%v\n%s\n", err, err.Stack())
			os.Exit(1)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.def == nil {
		b.def = func(err error, sc *Scope) {
			b.logger.Error("uncaught failure", map[string]interface{}{
				"scope": sc.ID(),
				"error": err,
			})
		}
	}
	return b
}

// ScopeOption configures a Scope.
type ScopeOption func(*Scope)

// Persistent marks a process-wide scope: it is never closed and has no
// recursion guard, so every failure takes the regular local-then-default
// path. Its default handler must not fail back into the same scope.
func Persistent() ScopeOption {
	return func(s *Scope) {
		s.persistent = true
	}
}

// NewScope opens a scope derived from ctx. local may be nil.
func (b *Boundary) NewScope(ctx context.Context, local LocalHandler, opts ...ScopeOption) *Scope {
	id := uuid.New().String()
	ctx, span := b.tracer.StartScopeSpan(ctx, id)
	ctx, cancel := context.WithCancel(ctx)

	s := &Scope{
		id:     id,
		b:      b,
		local:  local,
		cancel: cancel,
		span:   span,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx = context.WithValue(ctx, scopeKey{}, s)
	return s
}

// Wrap runs unit inside a fresh scope. It returns once unit and every
// goroutine it started with Go have returned; the scope then ends. Failures
// are dispatched to local and the default handler, never raised to the
// caller. The first failure is returned for inspection only.
func (b *Boundary) Wrap(ctx context.Context, unit func(ctx context.Context) error, local LocalHandler) error {
	s := b.NewScope(ctx, local)
	s.Run(unit)
	s.Wait()
	s.End()
	return s.Err()
}

// emitDefault runs the default handler. A panic there is fatal.
func (b *Boundary) emitDefault(err error, s *Scope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("default handler panicked", map[string]interface{}{
				"scope": s.id,
				"panic": fmt.Sprint(r),
			})
			b.onFatal(r)
		}
	}()
	b.metrics.Failure(PathDefault)
	b.def(err, s)
}

// callLocal runs the local handler and reports whether it panicked.
func (b *Boundary) callLocal(err error, s *Scope, preventDefault func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			b.logger.Warn("local handler panicked", map[string]interface{}{
				"scope": s.id,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	b.metrics.Failure(PathLocal)
	s.local(err, s, preventDefault)
	return false
}

type scopeKey struct{}

// FromContext returns the scope carried by ctx, if any.
func FromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Fail reports err to the scope carried by ctx. It returns false when ctx
// carries no scope, in which case the caller still owns err.
func Fail(ctx context.Context, err error) bool {
	s := FromContext(ctx)
	if s == nil || err == nil {
		return false
	}
	s.Fail(err)
	return true
}

// Go runs fn on a new goroutine tied to the scope carried by ctx. It
// returns false, without starting anything, when ctx carries no scope.
func Go(ctx context.Context, fn func(ctx context.Context) error) bool {
	s := FromContext(ctx)
	if s == nil {
		return false
	}
	s.Go(fn)
	return true
}

// Scope is the failure-capture context for one unit of work.
type Scope struct {
	id     string
	b      *Boundary
	local  LocalHandler
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	persistent bool
	wg         sync.WaitGroup

	mu sync.Mutex
	// failing is set when the first failure is dispatched. It gates the
	// recursion shortcut: later failures go straight to the default handler.
	failing bool
	closed  bool
	ended   bool
	first   error

	values sync.Map
}

// ID returns the unique scope identifier.
func (s *Scope) ID() string {
	return s.id
}

// Context returns the scope context. It is cancelled when the scope ends
// or is forcibly closed.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Set attaches a value to the scope for handlers to read.
func (s *Scope) Set(key, value interface{}) {
	s.values.Store(key, value)
}

// Get returns a value attached with Set.
func (s *Scope) Get(key interface{}) (interface{}, bool) {
	return s.values.Load(key)
}

// Err returns the first failure dispatched for this scope.
func (s *Scope) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Closed reports whether the recursion guard closed the scope.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Run executes fn synchronously in the scope. A returned error or a panic
// is dispatched like any other failure; Run itself never panics because of
// fn.
func (s *Scope) Run(fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.dispatch(capture(gerrors.RecoverPanic(r), s.id, originPanic))
		}
	}()
	if err := fn(s.ctx); err != nil {
		s.dispatch(capture(err, s.id, originSync))
	}
}

// Go runs fn on a new goroutine in the scope.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.dispatch(capture(gerrors.RecoverPanic(r), s.id, originPanic))
			}
		}()
		if err := fn(s.ctx); err != nil {
			s.dispatch(capture(err, s.id, originAsync))
		}
	}()
}

// Fail dispatches err as a failure of this scope.
func (s *Scope) Fail(err error) {
	if err == nil {
		return
	}
	s.dispatch(capture(err, s.id, originAsync))
}

// Wait blocks until every goroutine started with Go has returned.
func (s *Scope) Wait() {
	s.wg.Wait()
}

// End finishes the scope normally and cancels its context. Failures
// reported after End are still dispatched.
func (s *Scope) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.cancel()
	s.span.End()
}

// close is the forced exit taken by the recursion guard.
func (s *Scope) close() {
	if s.persistent {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Scope) dispatch(err error) {
	origin := originOf(err)
	err = sanitize(err)
	telemetry.RecordFailure(s.ctx, err, origin)

	s.mu.Lock()
	if s.first == nil {
		s.first = err
	}
	if (s.failing || s.closed) && !s.persistent {
		s.mu.Unlock()
		s.b.metrics.Failure(PathRecursive)
		s.b.logger.Warn("recursive failure, falling back to default handler", map[string]interface{}{
			"scope":  s.id,
			"origin": origin,
		})
		s.b.emitDefault(gerrors.WrapWithCode(err, gerrors.ErrCodeRecursive,
			gerrors.ErrCodeRecursive.Description(), gerrors.WithScopeID(s.id)), s)
		s.close()
		return
	}
	s.failing = true
	s.mu.Unlock()

	if s.local == nil {
		s.b.emitDefault(err, s)
		return
	}

	emit := true
	preventDefault := func() {
		emit = false
	}
	if s.b.callLocal(err, s, preventDefault) {
		s.b.emitDefault(err, s)
		s.close()
		return
	}
	if emit {
		s.b.emitDefault(err, s)
	}
}
