package ipc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vinayprograms/gracekit/bus"
	"github.com/vinayprograms/gracekit/logging"
)

// Subjects returns the master→worker and worker→master subjects for one
// worker of a cluster.
func Subjects(cluster, workerID string) (down, up string) {
	base := fmt.Sprintf("gracekit.%s.worker.%s", cluster, workerID)
	return base + ".down", base + ".up"
}

// BusConn is a link over a message bus. An empty frame is the hang-up
// marker, since a bus has no end of file.
type BusConn struct {
	b       bus.MessageBus
	send    string
	sub     bus.Subscription
	ownsBus bool
	logger  *logging.Logger

	recv chan Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// BusOption configures a BusConn.
type BusOption func(*BusConn)

// OwnBus makes Close also close the bus.
func OwnBus() BusOption {
	return func(c *BusConn) {
		c.ownsBus = true
	}
}

// WithBusLogger sets the logger.
func WithBusLogger(l *logging.Logger) BusOption {
	return func(c *BusConn) {
		c.logger = l.WithComponent("ipc")
	}
}

// NewBusConn publishes to sendSubject and receives from recvSubject.
func NewBusConn(b bus.MessageBus, sendSubject, recvSubject string, cfg Config, opts ...BusOption) (*BusConn, error) {
	if err := bus.ValidateSubject(sendSubject); err != nil {
		return nil, err
	}
	sub, err := b.Subscribe(recvSubject)
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	c := &BusConn{
		b:      b,
		send:   sendSubject,
		sub:    sub,
		logger: logging.Nop(),
		recv:   make(chan Message, cfg.RecvBufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Recv returns the channel of incoming messages.
func (c *BusConn) Recv() <-chan Message {
	return c.recv
}

// Send publishes m.
func (c *BusConn) Send(m Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.b.Publish(c.send, data)
}

// Close sends the hang-up marker and unsubscribes.
func (c *BusConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	perr := c.b.Publish(c.send, nil)
	uerr := c.sub.Unsubscribe()
	if c.ownsBus {
		c.b.Close()
	}
	if perr != nil && perr != bus.ErrClosed {
		return perr
	}
	return uerr
}

func (c *BusConn) readLoop() {
	defer close(c.recv)

	for msg := range c.sub.Messages() {
		if len(msg.Data) == 0 {
			return
		}

		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			c.logger.Warn("dropping malformed frame", map[string]interface{}{
				"subject": msg.Subject,
				"error":   err,
			})
			continue
		}

		select {
		case c.recv <- m:
		case <-c.done:
			return
		}
	}
}
