// Package loop provides a single-threaded event loop. Every process in a
// gracekit fleet owns exactly one: hooks, control messages, exit bookkeeping
// and timer callbacks all run on it one at a time, so the state they touch
// needs no locks.
package loop

import (
	"sync"
	"time"
)

// Loop runs posted functions sequentially on one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	started bool
	done    chan struct{}

	onPanic func(recovered interface{})
}

// Option configures a Loop.
type Option func(*Loop)

// WithPanicHandler installs a handler for panics escaping posted functions.
// Without one, a panic crashes the process as it would on any goroutine.
func WithPanicHandler(fn func(recovered interface{})) Option {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

// New creates a loop. Call Start or Run to begin processing.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Run processes posted functions until Stop is called. It blocks.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.done)

	for {
		l.mu.Lock()
		if l.stopped {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	l.mu.Lock()
	handler := l.onPanic
	l.mu.Unlock()

	if handler != nil {
		defer func() {
			if r := recover(); r != nil {
				handler(r)
			}
		}()
	}
	fn()
}

// Post queues fn to run on the loop after everything already queued.
// Returns false if the loop has been stopped; fn is then dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish. It must not be called from the
// loop goroutine. Returns false if the loop stopped before fn ran.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop ends the loop after the currently running function returns. Queued
// functions that have not started are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{fn: fn}
	t.t = time.AfterFunc(d, func() {
		l.Post(t.fire)
	})
	return t
}

// Timer is a loop-bound timer. Fire and Stop both run on the loop, so
// whichever happens first wins deterministically.
type Timer struct {
	t       *time.Timer
	fn      func()
	fired   bool
	stopped bool
}

func (t *Timer) fire() {
	if t.stopped || t.fired {
		return
	}
	t.fired = true
	t.fn()
}

// Stop cancels the timer. It must be called on the loop. Returns true only
// for the call that prevented fn from running; every later call, and any call
// after the timer fired, returns false.
func (t *Timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}

// Fired reports whether the timer callback has run.
func (t *Timer) Fired() bool {
	return t.fired
}
