package fleet

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/logging"
	"github.com/vinayprograms/gracekit/loop"
	"github.com/vinayprograms/gracekit/metrics"
	"github.com/vinayprograms/gracekit/telemetry"
)

// Spawner starts worker processes and wires their control links.
type Spawner interface {
	Spawn(ctx context.Context, id int) (Process, ipc.Conn, error)
}

// DefaultLinger bounds how long the exit of a worker waits for the rest of
// its link traffic before the link is torn down.
const DefaultLinger = 200 * time.Millisecond

// DefaultSize returns the number of logical CPUs.
func DefaultSize() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Coordinator owns the worker fleet of a master.
type Coordinator struct {
	loop    *loop.Loop
	spawner Spawner
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *telemetry.Tracer
	linger  time.Duration

	nextID  int
	spawned int
	workers map[int]*WorkerHandle
	// pendingDestroy holds workers awaiting a destroy acknowledgment,
	// keyed by the id carried on the link.
	pendingDestroy map[string]*WorkerHandle
	forcedCode     int

	// inflight counts exits observed by a waiter but not yet handled.
	inflight atomic.Int64
	drains   []func()

	onOnline  []func(*WorkerHandle)
	onExit    []func(*WorkerHandle)
	onMessage []func(*WorkerHandle, ipc.Message)
	onEmpty   []func()

	aggregates []*aggregate
}

type aggregate struct {
	remaining map[int]bool
	done      func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l.WithComponent("fleet")
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer sets the tracer for spawn spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithLinger overrides DefaultLinger.
func WithLinger(d time.Duration) Option {
	return func(c *Coordinator) {
		c.linger = d
	}
}

// New creates a Coordinator bound to the master's loop.
func New(l *loop.Loop, spawner Spawner, opts ...Option) *Coordinator {
	c := &Coordinator{
		loop:           l,
		spawner:        spawner,
		logger:         logging.Nop(),
		tracer:         telemetry.GetTracer(),
		linger:         DefaultLinger,
		nextID:         1,
		workers:        make(map[int]*WorkerHandle),
		pendingDestroy: make(map[string]*WorkerHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnOnline registers an observer for workers announcing themselves.
func (c *Coordinator) OnOnline(fn func(*WorkerHandle)) {
	c.onOnline = append(c.onOnline, fn)
}

// OnExit registers an observer for worker exits. ExitCode is set.
func (c *Coordinator) OnExit(fn func(*WorkerHandle)) {
	c.onExit = append(c.onExit, fn)
}

// OnMessage registers an observer for application messages.
func (c *Coordinator) OnMessage(fn func(*WorkerHandle, ipc.Message)) {
	c.onMessage = append(c.onMessage, fn)
}

// OnEmpty registers fn to run each time the last live worker has exited.
// It runs on the loop tick after the exit observers.
func (c *Coordinator) OnEmpty(fn func()) {
	c.onEmpty = append(c.onEmpty, fn)
}

// Spawn starts n workers; n <= 0 means DefaultSize. It stops at the first
// failure and returns it; workers already started keep running.
func (c *Coordinator) Spawn(ctx context.Context, n int) error {
	if c.spawner == nil {
		return errors.InvalidInput("fleet has no spawner")
	}
	if n <= 0 {
		n = DefaultSize()
	}

	for i := 0; i < n; i++ {
		if err := c.spawnOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) spawnOne(ctx context.Context) error {
	id := c.nextID
	c.nextID++

	ctx, span := c.tracer.StartWorkerSpan(ctx, "spawn", id)
	proc, conn, err := c.spawner.Spawn(ctx, id)
	if err != nil {
		c.tracer.EndWorkerSpan(span, 0, err)
		return errors.WrapWithCode(err, errors.ErrCodeSpawnFailed,
			"spawn worker "+strconv.Itoa(id), errors.WithWorkerID(strconv.Itoa(id)))
	}
	c.tracer.EndWorkerSpan(span, proc.Pid(), nil)

	h := &WorkerHandle{
		ID:         id,
		PID:        proc.Pid(),
		proc:       proc,
		conn:       conn,
		readerDone: make(chan struct{}),
	}
	c.workers[id] = h
	c.spawned++
	c.metrics.WorkerSpawned()
	c.logger.WorkerEvent("spawned", h.ID, h.PID, nil)

	go c.read(h)
	go c.wait(h)
	return nil
}

func (c *Coordinator) read(h *WorkerHandle) {
	defer close(h.readerDone)
	for m := range h.conn.Recv() {
		m := m
		c.loop.Post(func() {
			c.handleMessage(h, m)
		})
	}
}

func (c *Coordinator) wait(h *WorkerHandle) {
	code, signal, err := h.proc.Wait()
	c.inflight.Add(1)

	// Let the reader deliver what the worker wrote before dying.
	select {
	case <-h.readerDone:
	case <-time.After(c.linger):
	}
	h.conn.Close()

	if !c.loop.Post(func() {
		c.handleExit(h, code, signal, err)
	}) {
		c.inflight.Add(-1)
	}
}

func (c *Coordinator) handleMessage(h *WorkerHandle, m ipc.Message) {
	switch m.Kind {
	case ipc.KindOnline:
		h.Online = true
		c.logger.WorkerEvent("online", h.ID, h.PID, nil)
		for _, fn := range c.onOnline {
			fn(h)
		}
	case ipc.KindDestroy:
		c.handleAck(h, m)
	case ipc.KindDisconnect:
		c.logger.Debug("ignoring disconnect message from worker", map[string]interface{}{"worker": h.ID})
	default:
		for _, fn := range c.onMessage {
			fn(h, m)
		}
	}
}

// handleAck matches a destroy acknowledgment against the pending set by the
// id it carries, whichever link it came in on.
func (c *Coordinator) handleAck(from *WorkerHandle, m ipc.Message) {
	target, ok := c.pendingDestroy[m.ID]
	if !ok {
		c.metrics.AckIgnored()
		c.logger.Debug("ignoring unmatched destroy acknowledgment", map[string]interface{}{
			"worker": from.ID,
			"id":     m.ID,
		})
		return
	}
	delete(c.pendingDestroy, m.ID)

	target.DestroyConfirmed = true
	c.metrics.ForcedDestroy()
	c.logger.WorkerEvent("destroy confirmed", target.ID, target.PID, nil)
	if err := target.proc.Kill(); err != nil {
		c.logger.Warn("kill worker", map[string]interface{}{
			"worker": target.ID,
			"error":  err,
		})
	}
}

func (c *Coordinator) handleExit(h *WorkerHandle, code int, signal string, waitErr error) {
	defer c.exitHandled()

	if h.DestroyConfirmed {
		code = c.forcedCode
		signal = ""
	}
	h.ExitCode = &code
	h.Signal = signal

	delete(c.workers, h.ID)
	delete(c.pendingDestroy, h.Key())
	c.metrics.WorkerExited(code)

	fields := map[string]interface{}{"code": code}
	if signal != "" {
		fields["signal"] = signal
	}
	if waitErr != nil {
		fields["error"] = waitErr
	}
	c.logger.WorkerEvent("exited", h.ID, h.PID, fields)

	for _, fn := range c.onExit {
		fn(h)
	}

	c.settleAggregates(h.ID)

	if len(c.workers) == 0 && len(c.onEmpty) > 0 {
		c.loop.Post(func() {
			if len(c.workers) != 0 {
				return
			}
			for _, fn := range c.onEmpty {
				fn()
			}
		})
	}
}

func (c *Coordinator) exitHandled() {
	if c.inflight.Add(-1) > 0 {
		return
	}
	drains := c.drains
	c.drains = nil
	for _, fn := range drains {
		fn()
	}
}

func (c *Coordinator) settleAggregates(id int) {
	kept := c.aggregates[:0]
	var ready []func()
	for _, a := range c.aggregates {
		delete(a.remaining, id)
		if len(a.remaining) == 0 {
			ready = append(ready, a.done)
			continue
		}
		kept = append(kept, a)
	}
	c.aggregates = kept
	for _, fn := range ready {
		fn()
	}
}

// RequestGracefulDisconnect asks h to shut down gracefully and disconnect.
func (c *Coordinator) RequestGracefulDisconnect(h *WorkerHandle) error {
	if h.Exited() {
		return nil
	}
	h.DisconnectRequested = true
	c.metrics.DisconnectRequested()
	c.logger.WorkerEvent("disconnect requested", h.ID, h.PID, nil)
	return c.sendControl(h, "disconnect", ipc.Disconnect(h.Key()))
}

// DisconnectAll requests a graceful disconnect from every live worker. cb,
// if not nil, runs once the fleet is empty.
func (c *Coordinator) DisconnectAll(cb func()) {
	workers := c.Workers()
	if cb != nil {
		c.whenGone(workers, cb)
	}
	for _, h := range workers {
		if err := c.RequestGracefulDisconnect(h); err != nil {
			c.logger.Warn("disconnect request failed", map[string]interface{}{
				"worker": h.ID,
				"error":  err,
			})
		}
	}
}

// ForceDestroy starts the destroy handshake with h. The process is killed
// only once h acknowledges.
func (c *Coordinator) ForceDestroy(h *WorkerHandle) error {
	if h.Exited() {
		return nil
	}
	h.DestroyRequested = true
	c.pendingDestroy[h.Key()] = h
	c.logger.WorkerEvent("destroy requested", h.ID, h.PID, map[string]interface{}{"code": c.forcedCode})
	return c.sendControl(h, "destroy", ipc.Destroy(h.Key(), c.forcedCode))
}

func (c *Coordinator) sendControl(h *WorkerHandle, op string, m ipc.Message) error {
	_, span := c.tracer.StartWorkerSpan(context.Background(), op, h.ID)
	err := h.conn.Send(m)
	if err != nil {
		err = errors.LinkClosed(errors.WithCause(err), errors.WithWorkerID(h.Key()))
	}
	c.tracer.EndWorkerSpan(span, h.PID, err)
	return err
}

// ForceAll sets the forced exit code, force-destroys every live worker and
// calls done once all of them have exited.
func (c *Coordinator) ForceAll(code int, done func()) {
	c.forcedCode = code
	workers := c.Workers()
	c.whenGone(workers, done)
	for _, h := range workers {
		if err := c.ForceDestroy(h); err != nil {
			c.logger.Warn("destroy request failed", map[string]interface{}{
				"worker": h.ID,
				"error":  err,
			})
		}
	}
}

func (c *Coordinator) whenGone(workers []*WorkerHandle, done func()) {
	if len(workers) == 0 {
		c.loop.Post(done)
		return
	}
	a := &aggregate{remaining: make(map[int]bool, len(workers)), done: done}
	for _, h := range workers {
		a.remaining[h.ID] = true
	}
	c.aggregates = append(c.aggregates, a)
}

// Drain runs cb once every exit already observed has been handled. With
// nothing in flight cb runs on the next loop tick.
func (c *Coordinator) Drain(cb func()) {
	if c.inflight.Load() == 0 {
		c.loop.Post(cb)
		return
	}
	c.drains = append(c.drains, cb)
}

// Send delivers an application payload to h.
func (c *Coordinator) Send(h *WorkerHandle, v interface{}) error {
	m, err := ipc.Payload(v)
	if err != nil {
		return errors.InvalidInput(err.Error(), errors.WithCause(err))
	}
	if err := h.conn.Send(m); err != nil {
		return errors.LinkClosed(errors.WithCause(err), errors.WithWorkerID(h.Key()))
	}
	return nil
}

// Live returns the number of workers that have not exited.
func (c *Coordinator) Live() int {
	return len(c.workers)
}

// Spawned returns the number of workers ever spawned.
func (c *Coordinator) Spawned() int {
	return c.spawned
}

// ForcedCode returns the code reported for handshake-confirmed kills.
func (c *Coordinator) ForcedCode() int {
	return c.forcedCode
}

// Worker returns the live worker with id.
func (c *Coordinator) Worker(id int) (*WorkerHandle, bool) {
	h, ok := c.workers[id]
	return h, ok
}

// Workers returns the live workers ordered by id.
func (c *Coordinator) Workers() []*WorkerHandle {
	out := make([]*WorkerHandle, 0, len(c.workers))
	for _, h := range c.workers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
