package boundary

import "errors"

const (
	originSync  = "sync"
	originAsync = "async"
	originPanic = "panic"
)

// captured carries capture bookkeeping while a failure travels to the
// handlers. It never reaches them: sanitize strips it.
type captured struct {
	err     error
	scopeID string
	origin  string
}

func (c *captured) Error() string {
	return c.err.Error()
}

func (c *captured) Unwrap() error {
	return c.err
}

func capture(err error, scopeID, origin string) error {
	return &captured{err: err, scopeID: scopeID, origin: origin}
}

// sanitize removes every capture wrapper from the front of err.
func sanitize(err error) error {
	for {
		c, ok := err.(*captured)
		if !ok {
			return err
		}
		err = c.err
	}
}

func originOf(err error) string {
	var c *captured
	if errors.As(err, &c) {
		return c.origin
	}
	return originAsync
}
