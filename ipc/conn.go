package ipc

import (
	"errors"
)

// ErrClosed is returned when sending on a closed link.
var ErrClosed = errors.New("link closed")

// Conn is one end of a control link.
type Conn interface {
	// Send writes m to the peer. It returns once m has been handed to the
	// underlying medium, so messages sent before a process dies are not
	// lost in a local queue.
	Send(m Message) error

	// Recv returns the channel of incoming messages. It is closed when the
	// peer hangs up or the link is closed locally.
	Recv() <-chan Message

	// Close hangs up. Closing twice is a no-op.
	Close() error
}

// Config holds link configuration.
type Config struct {
	// RecvBufferSize for the incoming channel.
	// Default: 64
	RecvBufferSize int

	// MaxLineSize bounds a single frame.
	// Default: 1MB
	MaxLineSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 64,
		MaxLineSize:    1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = d.MaxLineSize
	}
	return c
}
