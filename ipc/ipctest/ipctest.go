// Package ipctest provides in-memory control links for tests.
package ipctest

import (
	"sync"

	"github.com/vinayprograms/gracekit/ipc"
)

// Conn is one end of an in-memory link. It records everything sent on it.
type Conn struct {
	peer *Conn

	mu         sync.Mutex
	recv       chan ipc.Message
	recvClosed bool
	closed     bool
	sent       []ipc.Message

	// SendErr, when set, is returned by Send instead of delivering.
	SendErr error
}

// Pair returns two connected ends.
func Pair() (*Conn, *Conn) {
	a := &Conn{recv: make(chan ipc.Message, 1024)}
	b := &Conn{recv: make(chan ipc.Message, 1024)}
	a.peer, b.peer = b, a
	return a, b
}

// Send records m and delivers it to the peer.
func (c *Conn) Send(m ipc.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipc.ErrClosed
	}
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, m)
	c.mu.Unlock()

	c.peer.deliver(m)
	return nil
}

// Recv returns the incoming channel.
func (c *Conn) Recv() <-chan ipc.Message {
	return c.recv
}

// Close hangs up both directions.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.hangup()
	c.peer.hangup()
	return nil
}

// Closed reports whether Close was called on this end.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns a copy of the messages sent on this end.
func (c *Conn) Sent() []ipc.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ipc.Message(nil), c.sent...)
}

// Inject delivers m to this end as if the peer had sent it.
func (c *Conn) Inject(m ipc.Message) {
	c.deliver(m)
}

func (c *Conn) deliver(m ipc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvClosed {
		return
	}
	c.recv <- m
}

func (c *Conn) hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvClosed {
		return
	}
	c.recvClosed = true
	close(c.recv)
}
