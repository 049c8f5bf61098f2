package lifecycle

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/gracekit/boundary"
	"github.com/vinayprograms/gracekit/errors"
)

func TestStart_Twice(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.OnStart(func(ctx context.Context) error { return nil })

	if err := c.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := c.Start()
	if !errors.Is(err, errors.ErrCodeAlreadyStarted) {
		t.Fatalf("second Start = %v, want ALREADY_STARTED", err)
	}

	c.Do(func() {})
	if c.State() != Running {
		t.Errorf("state = %s, want running", c.State())
	}
	c.Shutdown()
	waitExit(t, c, time.Second)
}

func TestHookRegistration(t *testing.T) {
	c, _ := newTestController(t, Config{})

	tests := []struct {
		name string
		reg  func() error
	}{
		{"start", func() error { return c.OnStart(func(context.Context) error { return nil }) }},
		{"shutdown", func() error { return c.OnShutdown(func(context.Context, func(error)) {}) }},
		{"exit", func() error { return c.OnExit(func(int) {}) }},
		{"error", func() error { return c.OnError(func(error) {}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.reg(); err != nil {
				t.Fatalf("first registration: %v", err)
			}
			if err := tt.reg(); !errors.Is(err, errors.ErrCodeHookRegistered) {
				t.Errorf("second registration = %v, want HOOK_REGISTERED", err)
			}
		})
	}

	if err := c.OnStart(nil); err == nil {
		t.Error("nil hook should be rejected")
	}
	if err := c.Timeout(0, nil); err == nil {
		t.Error("non-positive timeout should be rejected")
	}
}

func TestScenarioA_NoHooks(t *testing.T) {
	c, ex := newTestController(t, Config{})

	var exits []int
	c.OnExit(func(code int) { exits = append(exits, code) })
	c.Start()

	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if len(exits) != 1 || exits[0] != 0 {
		t.Errorf("exit events = %v, want [0]", exits)
	}
	if codes := ex.Codes(); len(codes) != 1 || codes[0] != 0 {
		t.Errorf("Exiter calls = %v", codes)
	}
	if c.State() != Exited {
		t.Errorf("state = %s", c.State())
	}
}

func TestScenarioB_DoneWithError(t *testing.T) {
	c, _ := newTestController(t, Config{})
	x := stderrors.New("x")

	var errs []error
	var exits []int
	c.OnError(func(err error) { errs = append(errs, err) })
	c.OnExit(func(code int) { exits = append(exits, code) })
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) { done(x) })

	c.Start()
	c.Shutdown()

	if code := waitExit(t, c, time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if len(errs) != 1 || !stderrors.Is(errs[0], x) {
		t.Fatalf("error events = %v, want one wrapping x", errs)
	}
	if !errors.Is(errs[0], errors.ErrCodeShutdownFailure) {
		t.Errorf("error = %v, want SHUTDOWN_FAILURE", errs[0])
	}
	if len(exits) != 1 || exits[0] != 1 {
		t.Errorf("exit events = %v, want [1]", exits)
	}
}

func TestScenarioC_TimeoutForcesExit(t *testing.T) {
	c, _ := newTestController(t, Config{})
	const timeout = 150 * time.Millisecond

	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) {})
	c.Timeout(timeout, nil)

	c.Start()
	begin := time.Now()
	c.Shutdown()

	code := waitExit(t, c, 2*time.Second)
	elapsed := time.Since(begin)
	if code != 1 {
		t.Errorf("exit code = %d, want forced 1", code)
	}
	if elapsed < timeout {
		t.Errorf("exited after %v, before the %v timeout", elapsed, timeout)
	}
}

func TestTimeout_WithCallback(t *testing.T) {
	c, _ := newTestController(t, Config{})

	var called atomic.Int32
	var lateDone func(error)
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) { lateDone = done })
	c.Timeout(30*time.Millisecond, func(forceNow func()) {
		called.Add(1)
		forceNow()
		forceNow()
	})

	c.Start()
	c.Shutdown()
	if code := waitExit(t, c, time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if called.Load() != 1 {
		t.Errorf("onTimeout calls = %d", called.Load())
	}
	// done after a forced shutdown is a no-op.
	lateDone(nil)
}

func TestTimeout_CallbackMayDelay(t *testing.T) {
	c, _ := newTestController(t, Config{})

	var exits []int
	c.OnExit(func(code int) { exits = append(exits, code) })
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		go func() {
			time.Sleep(60 * time.Millisecond)
			done(nil)
		}()
	})
	// Once the timeout fired, done is ignored until forceNow is called.
	forceCh := make(chan func(), 1)
	c.Timeout(20*time.Millisecond, func(forceNow func()) { forceCh <- forceNow })

	c.Start()
	c.Shutdown()

	force := <-forceCh
	time.Sleep(100 * time.Millisecond)
	select {
	case <-c.Done():
		t.Fatal("done after the timeout must not terminate")
	default:
	}
	force()
	if code := waitExit(t, c, time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if len(exits) != 1 {
		t.Errorf("exit events = %v", exits)
	}
}

func TestDone_CancelsTimer(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) { done(nil) })
	c.Timeout(20*time.Millisecond, nil)

	c.Start()
	c.Shutdown()
	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestShutdown_Concurrent(t *testing.T) {
	c, ex := newTestController(t, Config{})

	var exits atomic.Int32
	var hooks atomic.Int32
	c.OnExit(func(int) { exits.Add(1) })
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		hooks.Add(1)
		done(nil)
	})
	c.Start()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				c.Shutdown()
			} else {
				c.ShutdownWithCode(i)
			}
		}(i)
	}
	wg.Wait()
	waitExit(t, c, time.Second)

	if exits.Load() != 1 || hooks.Load() != 1 {
		t.Errorf("exit events = %d, shutdown hooks = %d, want 1/1", exits.Load(), hooks.Load())
	}
	if len(ex.Codes()) != 1 {
		t.Errorf("Exiter calls = %v", ex.Codes())
	}
}

func TestShutdownWithCode_Overrides(t *testing.T) {
	tests := []struct {
		name    string
		hookErr error
		code    int
	}{
		{"over success", nil, 3},
		{"over failure", stderrors.New("x"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t, Config{})
			c.OnStart(func(ctx context.Context) error { return nil })
			c.OnShutdown(func(ctx context.Context, done func(error)) { done(tt.hookErr) })
			c.Start()
			c.ShutdownWithCode(tt.code)
			if got := waitExit(t, c, time.Second); got != tt.code {
				t.Errorf("exit code = %d, want %d", got, tt.code)
			}
		})
	}
}

func TestShutdownWithCode_NoHookExitsZero(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.OnStart(func(ctx context.Context) error { return nil })
	c.Start()
	c.ShutdownWithCode(5)

	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0: without a shutdown hook the requested code is ignored", code)
	}
}

func TestShutdown_BeforeStart(t *testing.T) {
	c, _ := newTestController(t, Config{})
	ran := false
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		ran = true
		done(nil)
	})
	c.Shutdown()

	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if ran {
		t.Error("shutdown hook should not run before start")
	}
	if err := c.Start(); err != nil {
		t.Errorf("Start after exit = %v", err)
	}
}

func TestStartFailure(t *testing.T) {
	tests := []struct {
		name string
		hook StartFunc
		code errors.ErrorCode
	}{
		{"returned error", func(ctx context.Context) error { return stderrors.New("bind failed") }, errors.ErrCodeStartupFailure},
		{"panic", func(ctx context.Context) error { panic("boom") }, errors.ErrCodePanic},
		{"async failure", func(ctx context.Context) error {
			boundary.Go(ctx, func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				return stderrors.New("late")
			})
			return nil
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t, Config{})
			errCh := make(chan error, 4)
			c.OnError(func(err error) { errCh <- err })
			c.OnStart(tt.hook)
			c.OnShutdown(func(ctx context.Context, done func(error)) { done(nil) })
			c.Start()

			if code := waitExit(t, c, time.Second); code != 1 {
				t.Errorf("exit code = %d, want 1", code)
			}
			select {
			case err := <-errCh:
				if tt.code != "" && !errors.Is(err, tt.code) {
					t.Errorf("error = %v, want %s", err, tt.code)
				}
			default:
				t.Error("error hook not called")
			}
		})
	}
}

func TestShutdownHookPanic(t *testing.T) {
	c, _ := newTestController(t, Config{})
	var errs atomic.Int32
	c.OnError(func(err error) { errs.Add(1) })
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			done(nil)
		}()
		panic("cleanup bug")
	})
	c.Start()
	c.Shutdown()

	if code := waitExit(t, c, time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if errs.Load() != 1 {
		t.Errorf("error events = %d, want 1", errs.Load())
	}
}

func TestDone_SecondCallIgnored(t *testing.T) {
	c, _ := newTestController(t, Config{})
	var exits atomic.Int32
	c.OnExit(func(int) { exits.Add(1) })
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		done(nil)
		done(stderrors.New("late"))
	})
	c.Start()
	c.Shutdown()

	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if exits.Load() != 1 {
		t.Errorf("exit events = %d", exits.Load())
	}
}

func TestErrorHookPanicIsFatal(t *testing.T) {
	c, _ := newTestController(t, Config{})
	c.OnError(func(err error) { panic("error hook bug") })
	c.OnStart(func(ctx context.Context) error { return stderrors.New("x") })
	c.OnShutdown(func(ctx context.Context, done func(error)) {})
	c.Start()

	if code := waitExit(t, c, time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestExitHookBeforeExiter(t *testing.T) {
	hooks := 0
	c, ex := newTestController(t, Config{})
	ex.hooks = &hooks
	c.OnExit(func(int) { hooks++ })
	c.Start()
	waitExit(t, c, time.Second)

	if len(ex.before) != 1 || ex.before[0] != 1 {
		t.Errorf("exit hook must run before the Exiter, got %v", ex.before)
	}
}

func TestContextCarriesProcessScope(t *testing.T) {
	c, _ := newTestController(t, Config{})
	if boundary.FromContext(c.Context()) == nil {
		t.Error("Context should carry the process scope")
	}
	if c.Boundary() == nil || c.Role() != Master || c.Fleet() == nil || c.Link() != nil {
		t.Error("accessors mismatch for master")
	}
	c.Shutdown()
	waitExit(t, c, time.Second)
}

func TestConsoleTeardown(t *testing.T) {
	con := &fakeConsole{}
	c, _ := newTestController(t, Config{Console: con})
	c.OnStart(func(ctx context.Context) error { return nil })
	c.Start()
	c.Post(func() { c.ctrlc = true })
	c.Shutdown()
	waitExit(t, c, time.Second)

	if con.closed != 1 || con.echoed != "^C" {
		t.Errorf("console closed %d times, echoed %q", con.closed, con.echoed)
	}
}
