//go:build windows

package pathsync

import "os/exec"

// configureCommand is a no-op on Windows.
func configureCommand(cmd *exec.Cmd) {}
