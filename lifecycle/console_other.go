//go:build !windows

package lifecycle

func newConsole() Console {
	return nil
}
