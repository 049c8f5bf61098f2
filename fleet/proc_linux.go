//go:build linux

package fleet

import "syscall"

// Workers get SIGTERM, and so shut down gracefully, if the master dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
