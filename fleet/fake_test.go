package fleet

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/vinayprograms/gracekit/ipc"
	"github.com/vinayprograms/gracekit/ipc/ipctest"
)

type exitStatusT struct {
	code   int
	signal string
}

type fakeProcess struct {
	pid  int
	exit chan exitStatusT
	once sync.Once

	mu     sync.Mutex
	killed int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan exitStatusT, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.terminate(-1, "killed")
	return nil
}

func (p *fakeProcess) Wait() (int, string, error) {
	st := <-p.exit
	return st.code, st.signal, nil
}

func (p *fakeProcess) Killed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) terminate(code int, signal string) {
	p.once.Do(func() {
		p.exit <- exitStatusT{code, signal}
	})
}

// behavior decides how a fake worker reacts to control messages.
type behavior struct {
	ackDestroy       bool
	exitOnDisconnect bool
	ackID            func(id string) string
}

var cooperative = behavior{ackDestroy: true, exitOnDisconnect: true}

// fakeWorker is the worker end of a spawned fake process.
type fakeWorker struct {
	id   int
	proc *fakeProcess
	conn *ipctest.Conn

	mu       sync.Mutex
	received []ipc.Message
}

func (w *fakeWorker) Received() []ipc.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ipc.Message(nil), w.received...)
}

func (w *fakeWorker) run(b behavior) {
	w.conn.Send(ipc.Online(strconv.Itoa(w.id)))
	for m := range w.conn.Recv() {
		w.mu.Lock()
		w.received = append(w.received, m)
		w.mu.Unlock()

		switch m.Kind {
		case ipc.KindDestroy:
			if b.ackDestroy {
				ack := ipc.Ack(m)
				if b.ackID != nil {
					ack.ID = b.ackID(m.ID)
				}
				w.conn.Send(ack)
			}
		case ipc.KindDisconnect:
			if b.exitOnDisconnect {
				w.conn.Close()
				w.proc.terminate(0, "")
				return
			}
		}
	}
}

type fakeSpawner struct {
	behavior behavior
	failAt   int

	mu      sync.Mutex
	workers map[int]*fakeWorker
}

func newFakeSpawner(b behavior) *fakeSpawner {
	return &fakeSpawner{behavior: b, workers: make(map[int]*fakeWorker)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, id int) (Process, ipc.Conn, error) {
	if s.failAt == id {
		return nil, nil, errors.New("fork failed")
	}
	master, worker := ipctest.Pair()
	w := &fakeWorker{id: id, proc: newFakeProcess(1000 + id), conn: worker}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	go w.run(s.behavior)
	return w.proc, master, nil
}

func (s *fakeSpawner) worker(id int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}
