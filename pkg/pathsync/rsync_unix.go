//go:build !windows

package pathsync

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// configureCommand places the rsync process in its own process group so
// that cancellation signals reach the whole tree, including any remote
// shell child it spawns.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}
