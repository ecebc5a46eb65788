//go:build windows

package snapshot

import (
	"fmt"
	"io/fs"
)

// ensureSameDevice is a no-op on Windows; os.Link reports cross-volume
// failures directly.
func ensureSameDevice(previous, destination string) error {
	return nil
}

// fileOwner reports no ownership information on Windows.
func fileOwner(info fs.FileInfo) (uid, gid int, ok bool) {
	return 0, 0, false
}

// recreateSpecial has nothing to recreate on Windows; the entry types
// it covers do not exist there.
func recreateSpecial(source, target string, info fs.FileInfo) error {
	return fmt.Errorf("unsupported file type %s for %s", info.Mode(), source)
}
