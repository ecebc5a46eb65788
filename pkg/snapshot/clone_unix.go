//go:build !windows

package snapshot

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ensureSameDevice verifies that previous and the destination's parent
// directory live on the same filesystem, since hardlinks cannot cross
// device boundaries. The destination itself may not exist yet, but its
// parent (the run directory) always does.
func ensureSameDevice(previous, destination string) error {
	var prevSt, destSt unix.Stat_t
	if err := unix.Stat(previous, &prevSt); err != nil {
		return fmt.Errorf("stat %s: %w", previous, err)
	}
	parent := filepath.Dir(destination)
	if err := unix.Stat(parent, &destSt); err != nil {
		return fmt.Errorf("stat %s: %w", parent, err)
	}
	if prevSt.Dev != destSt.Dev {
		return fmt.Errorf("previous snapshot %s and destination %s are on different filesystems, cannot hardlink", previous, destination)
	}
	return nil
}

// fileOwner extracts uid and gid from the file's stat information.
func fileOwner(info fs.FileInfo) (uid, gid int, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}

// recreateSpecial recreates a device, FIFO or socket entry verbatim.
// Creating device nodes requires privileges; the caller treats a
// permission failure here like any other clone failure.
func recreateSpecial(source, target string, info fs.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported file type %s for %s", info.Mode(), source)
	}
	if err := unix.Mknod(target, uint32(st.Mode), int(st.Rdev)); err != nil {
		return fmt.Errorf("mknod %s: %w", target, err)
	}
	if err := unix.Chown(target, int(st.Uid), int(st.Gid)); err != nil && err != unix.EPERM {
		return fmt.Errorf("chown %s: %w", target, err)
	}
	return nil
}
