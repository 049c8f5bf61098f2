package lifecycle

import (
	"os"
	"os/signal"
	"syscall"
)

// watchSignals turns SIGINT and SIGTERM into a graceful shutdown.
func (c *Controller) watchSignals() {
	if c.cfg.DisableSignals || c.sigs != nil {
		return
	}
	c.sigs = make(chan os.Signal, 1)
	signal.Notify(c.sigs, os.Interrupt, syscall.SIGTERM)

	go func(ch chan os.Signal) {
		for sig := range ch {
			sig := sig
			c.loop.Post(func() {
				c.logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
				if sig == os.Interrupt {
					c.ctrlc = true
				}
				c.shutdown(nil)
			})
		}
	}(c.sigs)
}

func (c *Controller) stopSignals() {
	if c.sigs == nil {
		return
	}
	signal.Stop(c.sigs)
	close(c.sigs)
	c.sigs = nil
}
