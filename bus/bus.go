package bus

import (
	"errors"
	"strings"
	"sync"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides ordered pub/sub messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus connection and ends every subscription.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages, in publish order.
	// The channel is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks if a subject is valid. Wildcards are rejected:
// control links address exactly one peer.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, "*> \t\r\n") {
		return ErrInvalidSubject
	}
	return nil
}

// subscription is the channel plumbing shared by every backend. Delivery
// blocks until the subscriber takes the message or the subscription ends,
// so control messages are never dropped.
type subscription struct {
	ch   chan *Message
	done chan struct{}

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	// release detaches the subscription from its backend.
	release func() error
}

func newSubscription(size int) *subscription {
	return &subscription{
		ch:   make(chan *Message, size),
		done: make(chan struct{}),
	}
}

// deliver reports whether msg was handed to the subscriber.
func (s *subscription) deliver(msg *Message) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	select {
	case s.ch <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *subscription) Messages() <-chan *Message {
	return s.ch
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	var err error
	if s.release != nil {
		err = s.release()
	}
	s.inflight.Wait()
	close(s.ch)
	return err
}
