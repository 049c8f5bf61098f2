package shutdown

import (
	"context"
	"net/http"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/lifecycle"
)

// HTTPServer stops srv from accepting connections and waits for in-flight
// requests.
func HTTPServer(srv *http.Server) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "http server shutdown")
		}
		return nil
	})
}

// Workers asks every live worker of c's fleet to shut down and disconnect,
// and waits until all of them exited. Nothing is done on a worker process.
func Workers(c *lifecycle.Controller) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		f := c.Fleet()
		if f == nil {
			return nil
		}

		gone := make(chan struct{})
		if !c.Post(func() {
			f.DisconnectAll(func() { close(gone) })
		}) {
			return nil
		}

		select {
		case <-gone:
			return nil
		case <-ctx.Done():
			return errors.WrapWithCode(ctx.Err(), errors.ErrCodeTimeout, "waiting for workers to disconnect")
		}
	})
}
