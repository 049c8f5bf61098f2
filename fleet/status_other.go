//go:build !unix

package fleet

import "os"

func exitStatus(state *os.ProcessState) (int, string) {
	return state.ExitCode(), ""
}
