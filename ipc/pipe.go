package ipc

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/vinayprograms/gracekit/logging"
)

// PipeConn is a link over a reader/writer pair, typically the two extra
// pipes a spawned worker inherits.
type PipeConn struct {
	r      io.ReadCloser
	w      io.WriteCloser
	config Config
	logger *logging.Logger

	recv chan Message
	done chan struct{}

	wmu    sync.Mutex
	mu     sync.Mutex
	closed bool
}

// NewPipeConn creates a link and starts reading from r.
func NewPipeConn(r io.ReadCloser, w io.WriteCloser, cfg Config, logger *logging.Logger) *PipeConn {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &PipeConn{
		r:      r,
		w:      w,
		config: cfg.withDefaults(),
		logger: logger.WithComponent("ipc"),
		done:   make(chan struct{}),
	}
	c.recv = make(chan Message, c.config.RecvBufferSize)
	go c.readLoop()
	return c
}

// Recv returns the channel of incoming messages.
func (c *PipeConn) Recv() <-chan Message {
	return c.recv
}

// Send writes m as one JSON line.
func (c *PipeConn) Send(m Message) error {
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

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Close closes both pipes. The peer observes end of file.
func (c *PipeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.wmu.Lock()
	werr := c.w.Close()
	c.wmu.Unlock()
	rerr := c.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (c *PipeConn) readLoop() {
	defer close(c.recv)

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), c.config.MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			c.logger.Warn("dropping malformed frame", map[string]interface{}{
				"error": err,
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
