package lifecycle

import (
	"context"
	"time"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/telemetry"
)

// shutdown records the first request and runs the shutdown hook.
func (c *Controller) shutdown(code *int) {
	if c.req != nil || c.finalized {
		return
	}
	c.req = &ShutdownRequest{RequestedExitCode: code, ArmedAt: time.Now()}
	if c.role == Master {
		c.hasWorkers = c.fleet.Spawned() > 0
	}

	fields := map[string]interface{}{}
	if code != nil {
		fields["code"] = *code
	}
	c.logger.Info("shutdown requested", fields)

	c.mu.Lock()
	hook := c.onShutdown
	var esc *escalation
	if c.timeout != nil {
		e := *c.timeout
		esc = &e
	}
	c.mu.Unlock()

	if c.State() == Idle {
		c.terminate(c.resolve(0))
		return
	}
	if hook == nil {
		// Without a shutdown hook the process exits cleanly; a requested
		// code is not honored.
		c.terminate(0)
		return
	}

	c.setState(ShuttingDown)
	if esc != nil {
		c.esc = esc
		c.esc.arm(c.loop, c.escalate)
	}

	ctx, span := c.tracer.StartHookSpan(c.scope.Context(), "shutdown", c.role.String())
	c.shutdownSpan = span
	c.runShutdownHook(ctx, hook)
}

func (c *Controller) runShutdownHook(ctx context.Context, hook ShutdownFunc) {
	defer func() {
		if r := recover(); r != nil {
			if c.req.RequestedExitCode == nil {
				one := 1
				c.req.RequestedExitCode = &one
			}
			c.scope.Fail(errors.ShutdownFailure(errors.RecoverPanic(r)))
		}
	}()

	hook(ctx, func(err error) {
		c.loop.Post(func() {
			c.hookFinished(err)
		})
	})
}

// hookFinished handles the shutdown hook's done callback.
func (c *Controller) hookFinished(err error) {
	if c.req.Forced || c.hookDone || c.terminating {
		return
	}
	c.hookDone = true
	c.esc.cancel()

	if err != nil {
		// The boundary reports on a later tick; terminate after it.
		c.scope.Fail(errors.ShutdownFailure(err))
		c.loop.Post(func() {
			c.terminate(c.resolve(1))
		})
		return
	}
	c.terminate(c.resolve(0))
}

// escalate runs when the escalation timer fires before done.
func (c *Controller) escalate() {
	if c.hookDone || c.terminating {
		return
	}
	c.req.Forced = true
	c.logger.Warn("shutdown timed out", map[string]interface{}{
		"timeout": c.esc.d.String(),
	})

	if c.esc.onTimeout == nil {
		c.force()
		return
	}

	forced := false
	forceNow := func() {
		c.loop.Post(func() {
			if forced {
				return
			}
			forced = true
			c.force()
		})
	}
	defer func() {
		if r := recover(); r != nil {
			c.emitError(errors.RecoverPanic(r))
			forceNow()
		}
	}()
	c.esc.onTimeout(forceNow)
}

// force terminates with 1 without waiting for the shutdown hook. The master
// destroys the remaining workers first.
func (c *Controller) force() {
	if c.terminating {
		return
	}
	code := c.resolve(1)
	if c.role == Master {
		c.fleet.ForceAll(c.cfg.ForcedExitCode, func() {
			c.terminate(code)
		})
		return
	}
	c.terminate(code)
}

// resolve applies the requested exit code, if any.
func (c *Controller) resolve(code int) int {
	if c.req != nil && c.req.RequestedExitCode != nil {
		return *c.req.RequestedExitCode
	}
	return code
}

// terminate tears the process down with code.
func (c *Controller) terminate(code int) {
	if c.terminating || c.finalized {
		return
	}
	c.terminating = true

	if c.shutdownSpan != nil {
		c.tracer.EndHookSpan(c.shutdownSpan, telemetry.HookSpanOptions{
			ExitCode: code,
			Forced:   c.req != nil && c.req.Forced,
		}, nil)
		c.shutdownSpan = nil
	}

	switch c.role {
	case Master:
		if c.console != nil {
			c.console.Close()
		}
		if c.hasWorkers {
			// Exits already observed must reach the observers first.
			c.fleet.Drain(func() {
				c.finalize(code)
			})
			return
		}
		c.finalize(code)

	case Worker:
		if c.disconnect != nil {
			c.disconnect()
		} else {
			c.link.Disconnect()
		}
		c.finalize(code)
	}
}

// finalize fires the exit hook and exits. It runs once.
func (c *Controller) finalize(code int) {
	if c.finalized {
		return
	}
	c.finalized = true
	c.setState(Exited)
	c.esc.cancel()

	c.fireExit(code)
	if c.console != nil && c.ctrlc {
		c.console.Echo("^C")
	}
	c.stopSignals()
	c.scope.End()

	c.metrics.Finalized(code, c.armedAt())
	c.logger.ExitResolved(code, c.req != nil && c.req.Forced)
	c.logger.Sync()

	c.code = code
	c.exiter.Exit(code)
	c.loop.Stop()
	close(c.done)
}

func (c *Controller) armedAt() time.Time {
	if c.req == nil {
		return time.Time{}
	}
	return c.req.ArmedAt
}

// fireExit runs the exit hook once.
func (c *Controller) fireExit(code int) {
	if c.exitFired {
		return
	}
	c.exitFired = true

	c.mu.Lock()
	fn := c.onExit
	c.mu.Unlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			perr := errors.RecoverPanic(r)
			c.logger.Error("exit hook panicked", map[string]interface{}{
				"error": perr,
				"stack": string(perr.Stack()),
			})
		}
	}()
	fn(code)
}
