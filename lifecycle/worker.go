package lifecycle

import (
	"time"

	"github.com/vinayprograms/gracekit/telemetry"
)

// The methods below let the control-link interceptor drive a worker. They
// run on the loop.

// Started reports whether Start has taken effect.
func (c *Controller) Started() bool {
	return c.State() != Idle
}

// ShutdownForDisconnect shuts the worker down on behalf of the master and
// disconnects, rather than self-destructs, once the shutdown hook is done.
func (c *Controller) ShutdownForDisconnect(disconnect func()) {
	if c.disconnect == nil {
		c.disconnect = disconnect
	}
	c.shutdown(nil)
}

// PrepareDestroy fires the exit hook ahead of the master killing the
// process. A code the worker requested itself wins over the master's.
func (c *Controller) PrepareDestroy(code int) {
	if c.finalized {
		return
	}
	code = c.resolve(code)
	c.esc.cancel()

	// The worker is done: no later trigger may run the shutdown hook or
	// move it out of Exited while it waits for the kill.
	if c.req == nil {
		c.req = &ShutdownRequest{ArmedAt: time.Now()}
	}
	c.req.Forced = true
	c.terminating = true
	if c.shutdownSpan != nil {
		c.tracer.EndHookSpan(c.shutdownSpan, telemetry.HookSpanOptions{ExitCode: code, Forced: true}, nil)
		c.shutdownSpan = nil
	}

	c.setState(Exited)
	c.logger.Info("destroy confirmed, awaiting kill", map[string]interface{}{"code": code})
	c.fireExit(code)
	c.stopSignals()
}

// LinkLost shuts an orphaned worker down.
func (c *Controller) LinkLost() {
	c.shutdown(nil)
}
