package lifecycle

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/gracekit/boundary"
	"github.com/vinayprograms/gracekit/fleet"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/ipc/ipctest"
)

func newWorker(t *testing.T) (*Controller, *recordExiter, *ipctest.Conn) {
	t.Helper()
	master, link := ipctest.Pair()
	c, ex := newTestController(t, Config{Role: Worker, Link: link, WorkerID: "1"})

	select {
	case m := <-master.Recv():
		if m.Kind != ipc.KindOnline || m.ID != "1" {
			t.Fatalf("first message = %+v, want online 1", m)
		}
	case <-time.After(time.Second):
		t.Fatal("worker never announced itself")
	}
	return c, ex, master
}

func recvKind(t *testing.T, ch <-chan ipc.Message, kind ipc.Kind) ipc.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("link closed, want %v", kind)
		}
		if m.Kind != kind {
			t.Fatalf("got %+v, want kind %v", m, kind)
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("no %v message", kind)
	}
	return ipc.Message{}
}

func waitClosed(t *testing.T, ch <-chan ipc.Message) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message on link")
		}
	case <-time.After(time.Second):
		t.Fatal("link not closed")
	}
}

func TestWorker_DisconnectRunsShutdown(t *testing.T) {
	c, ex, master := newWorker(t)
	hookRan := make(chan struct{})
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		close(hookRan)
		done(nil)
	})
	c.Start()
	c.Do(func() {})

	master.Send(ipc.Disconnect("1"))

	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	<-hookRan
	waitClosed(t, master.Recv())
	if !c.Link().Disconnected() {
		t.Error("link should be disconnected")
	}
	if codes := ex.Codes(); len(codes) != 1 {
		t.Errorf("Exiter calls = %v", codes)
	}
}

func TestWorker_DisconnectBeforeStart(t *testing.T) {
	c, ex, master := newWorker(t)
	ran := false
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		ran = true
		done(nil)
	})

	master.Send(ipc.Disconnect("1"))
	waitClosed(t, master.Recv())

	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if ran {
		t.Error("shutdown hook ran before start")
	}
	if c.State() != Exited {
		t.Errorf("state = %s, want exited", c.State())
	}
	if codes := ex.Codes(); len(codes) != 1 || codes[0] != 0 {
		t.Errorf("Exiter calls = %v, want [0]", codes)
	}
}

func TestWorker_DestroyFiresExitAndAcks(t *testing.T) {
	tests := []struct {
		name      string
		requested *int
		want      int
	}{
		{"master code", nil, 3},
		{"requested code wins", intPtr(7), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ex, master := newWorker(t)
			exits := make(chan int, 2)
			c.OnExit(func(code int) { exits <- code })
			c.OnStart(func(ctx context.Context) error { return nil })
			c.OnShutdown(func(ctx context.Context, done func(error)) {})
			c.Start()
			if tt.requested != nil {
				c.ShutdownWithCode(*tt.requested)
			}
			c.Do(func() {})

			master.Send(ipc.Destroy("1", 3))

			ack := recvKind(t, master.Recv(), ipc.KindDestroy)
			if ack.ID != "1" || ack.Code != nil {
				t.Errorf("ack = %+v, want id 1 without code", ack)
			}
			select {
			case code := <-exits:
				if code != tt.want {
					t.Errorf("exit code = %d, want %d", code, tt.want)
				}
			case <-time.After(time.Second):
				t.Fatal("exit hook not fired")
			}

			c.Do(func() {})
			if c.State() != Exited {
				t.Errorf("state = %s, want exited", c.State())
			}
			// The master kills the worker; it never exits by itself.
			if codes := ex.Codes(); len(codes) != 0 {
				t.Errorf("Exiter called with %v", codes)
			}

			master.Send(ipc.Destroy("1", 3))
			recvKind(t, master.Recv(), ipc.KindDestroy)
			if len(exits) != 0 {
				t.Error("exit hook fired twice")
			}
		})
	}
}

func TestWorker_DestroyBeforeStart(t *testing.T) {
	c, _, master := newWorker(t)
	fired := false
	c.OnExit(func(int) { fired = true })

	master.Send(ipc.Destroy("1", 1))
	recvKind(t, master.Recv(), ipc.KindDestroy)

	c.Do(func() {})
	if fired {
		t.Error("exit hook fired before start")
	}
}

func TestWorker_MasterHangUp(t *testing.T) {
	c, _, master := newWorker(t)
	c.OnStart(func(ctx context.Context) error { return nil })
	c.OnShutdown(func(ctx context.Context, done func(error)) { done(nil) })
	c.Start()
	c.Do(func() {})

	master.Close()

	if code := waitExit(t, c, time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestMaster_FleetEmptyShutsDown(t *testing.T) {
	sp := &fakeSpawner{lifetime: 30 * time.Millisecond}
	c, _ := newTestController(t, Config{Spawner: sp})
	c.OnStart(func(ctx context.Context) error {
		return c.Fleet().Spawn(ctx, 3)
	})
	c.Start()

	if code := waitExit(t, c, 2*time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if n := len(sp.Procs()); n != 3 {
		t.Errorf("spawned %d workers", n)
	}
}

func TestMaster_GracefulDisconnect(t *testing.T) {
	sp := &fakeSpawner{}
	c, _ := newTestController(t, Config{Spawner: sp})
	c.OnStart(func(ctx context.Context) error {
		return c.Fleet().Spawn(ctx, 2)
	})
	c.OnShutdown(func(ctx context.Context, done func(error)) {
		c.Fleet().DisconnectAll(func() { done(nil) })
	})
	c.Start()
	c.Shutdown()

	if code := waitExit(t, c, 2*time.Second); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	for _, p := range sp.Procs() {
		if p.Killed() {
			t.Errorf("worker %d was killed during a graceful shutdown", p.pid)
		}
	}
}

func TestMaster_ForcedShutdownDestroysWorkers(t *testing.T) {
	sp := &fakeSpawner{}
	c, _ := newTestController(t, Config{Spawner: sp, ForcedExitCode: 9})

	var mu sync.Mutex
	codes := map[int]int{}
	c.OnStart(func(ctx context.Context) error {
		c.Fleet().OnExit(func(h *fleet.WorkerHandle) {
			mu.Lock()
			codes[h.ID] = *h.ExitCode
			mu.Unlock()
		})
		return c.Fleet().Spawn(ctx, 2)
	})
	c.OnShutdown(func(ctx context.Context, done func(error)) {})
	c.Timeout(50*time.Millisecond, nil)
	c.Start()
	c.Shutdown()

	if code := waitExit(t, c, 2*time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	for _, p := range sp.Procs() {
		if !p.Killed() {
			t.Errorf("worker %d survived a forced shutdown", p.pid)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(codes) != 2 {
		t.Fatalf("exit observers saw %v", codes)
	}
	for id, code := range codes {
		if code != 9 {
			t.Errorf("worker %d exit code = %d, want forced 9", id, code)
		}
	}
}

func intPtr(v int) *int { return &v }

func TestWorker_StaysExitedAfterDestroy(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(c *Controller, master *ipctest.Conn)
	}{
		{"shutdown", func(c *Controller, _ *ipctest.Conn) { c.Shutdown() }},
		{"shutdown with code", func(c *Controller, _ *ipctest.Conn) { c.ShutdownWithCode(5) }},
		{"process failure", func(c *Controller, _ *ipctest.Conn) {
			boundary.Fail(c.Context(), stderrors.New("late failure"))
		}},
		{"master hang-up", func(_ *Controller, master *ipctest.Conn) { master.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ex, master := newWorker(t)
			var hooks, exits atomic.Int32
			c.OnStart(func(ctx context.Context) error { return nil })
			c.OnShutdown(func(ctx context.Context, done func(error)) {
				hooks.Add(1)
				done(nil)
			})
			c.OnExit(func(int) { exits.Add(1) })
			c.Start()
			c.Do(func() {})

			master.Send(ipc.Destroy("1", 1))
			recvKind(t, master.Recv(), ipc.KindDestroy)
			c.Do(func() {})

			tt.trigger(c, master)
			time.Sleep(20 * time.Millisecond)
			c.Do(func() {})

			if c.State() != Exited {
				t.Errorf("state = %s, want exited", c.State())
			}
			if hooks.Load() != 0 {
				t.Errorf("shutdown hook ran %d times after destroy", hooks.Load())
			}
			if exits.Load() != 1 {
				t.Errorf("exit events = %d, want 1", exits.Load())
			}
			if codes := ex.Codes(); len(codes) != 0 {
				t.Errorf("Exiter calls = %v, want none before the kill", codes)
			}
		})
	}
}
