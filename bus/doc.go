// Package bus provides the message bus backends that carry worker control
// links when processes do not share pipes.
//
// # Available Implementations
//
//   - NATSBus: links between a master and workers over a NATS server
//   - MemoryBus: in-memory implementation for tests and single-process use
//
// Both deliver messages in publish order and never drop a message while
// the subscription is alive: a slow subscriber applies backpressure to the
// publisher instead.
//
//	sub, _ := b.Subscribe("gracekit.c1.worker.3.down")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
package bus
