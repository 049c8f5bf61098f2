package lifecycle

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/gracekit/fleet"
	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/ipc/ipctest"
	"github.com/vinayprograms/gracekit/logging"
)

type recordExiter struct {
	mu    sync.Mutex
	codes []int
	// before records how many exit hook calls had happened at Exit time.
	before []int
	hooks  *int
}

func (e *recordExiter) Exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
	if e.hooks != nil {
		e.before = append(e.before, *e.hooks)
	}
}

func (e *recordExiter) Codes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

type fakeConsole struct {
	mu     sync.Mutex
	echoed string
	closed int
}

func (c *fakeConsole) Echo(s string) {
	c.mu.Lock()
	c.echoed += s
	c.mu.Unlock()
}

func (c *fakeConsole) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func newTestController(t *testing.T, cfg Config) (*Controller, *recordExiter) {
	t.Helper()
	ex := &recordExiter{}
	if cfg.Role == RoleAuto {
		cfg.Role = Master
	}
	cfg.Exiter = ex
	cfg.Logger = logging.Nop()
	cfg.DisableSignals = true
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return c, ex
}

func waitExit(t *testing.T, c *Controller, within time.Duration) int {
	t.Helper()
	select {
	case <-c.Done():
		return c.Wait()
	case <-time.After(within):
		t.Fatalf("controller did not exit within %v (state %s)", within, c.State())
	}
	return -1
}

// fakeProc is a worker process driven by fakeSpawner.
type fakeProc struct {
	pid  int
	exit chan int
	once sync.Once

	mu     sync.Mutex
	killed bool
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.terminate(137)
	return nil
}

func (p *fakeProc) Wait() (int, string, error) {
	return <-p.exit, "", nil
}

func (p *fakeProc) terminate(code int) {
	p.once.Do(func() { p.exit <- code })
}

func (p *fakeProc) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeSpawner starts in-process fake workers. A worker acknowledges
// destroy requests and exits 0 on disconnect; with lifetime set it also
// exits by itself after that long.
type fakeSpawner struct {
	lifetime time.Duration

	mu    sync.Mutex
	procs []*fakeProc
}

func (s *fakeSpawner) Spawn(ctx context.Context, id int) (fleet.Process, ipc.Conn, error) {
	master, worker := ipctest.Pair()
	p := &fakeProc{pid: 100 + id, exit: make(chan int, 1)}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	go func() {
		worker.Send(ipc.Online(strconv.Itoa(id)))
		for m := range worker.Recv() {
			switch m.Kind {
			case ipc.KindDestroy:
				worker.Send(ipc.Ack(m))
			case ipc.KindDisconnect:
				worker.Close()
				p.terminate(0)
			}
		}
	}()
	if s.lifetime > 0 {
		go func() {
			time.Sleep(s.lifetime)
			worker.Close()
			p.terminate(0)
		}()
	}
	return p, master, nil
}

func (s *fakeSpawner) Procs() []*fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProc(nil), s.procs...)
}
