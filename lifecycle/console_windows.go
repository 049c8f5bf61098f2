//go:build windows

package lifecycle

import (
	"fmt"
	"os"
)

// winConsole echoes to stdout; os/signal already turns ^C into os.Interrupt.
type winConsole struct{}

func newConsole() Console {
	return winConsole{}
}

func (winConsole) Echo(s string) {
	fmt.Fprint(os.Stdout, s)
}

func (winConsole) Close() error {
	return nil
}
