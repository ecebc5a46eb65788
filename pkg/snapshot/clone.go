// Package snapshot materializes a new snapshot tree as a hardlinked
// clone of the previous run's snapshot. Directories are always created
// fresh, regular files are hardlinked to the previous run's inodes, and
// symlinks and special files are recreated verbatim. File content is
// never read and the previous snapshot is never touched.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/closingbrace/backupbrace/pkg/plog"
	"github.com/closingbrace/backupbrace/pkg/util"
)

// CloneError reports a failure while cloning a previous snapshot. A
// clone that fails leaves the destination unusable; callers must not
// proceed to synchronization.
type CloneError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *CloneError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("snapshot clone failed: %v", e.Err)
	}
	return fmt.Sprintf("snapshot clone failed at %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CloneError) Unwrap() error { return e.Err }

// Cloner recreates a previous snapshot tree at a new destination.
type Cloner struct{}

// NewCloner creates a new Cloner.
func NewCloner() *Cloner {
	return &Cloner{}
}

// clonedDir remembers a directory whose metadata must be applied after
// all of its children exist, since creating entries inside a directory
// updates its modification time.
type clonedDir struct {
	source string
	target string
	info   fs.FileInfo
}

// Clone recreates the tree at previous under destination, hardlinking
// every regular file. When previous is empty (first run for a set),
// destination is created as an empty directory and synchronization will
// copy every source entry fully. Destination must not exist yet, or be
// an empty directory.
func (c *Cloner) Clone(ctx context.Context, previous, destination string) error {
	if err := checkDestination(destination); err != nil {
		return err
	}

	if previous == "" {
		plog.Debug("No previous snapshot, creating empty destination", "destination", destination)
		if err := os.MkdirAll(destination, util.UserWritableDirPerms); err != nil {
			return &CloneError{Path: destination, Err: err}
		}
		return nil
	}

	// Hardlinks cannot span filesystems; detect the cross-device case
	// up front instead of failing midway through the walk.
	if err := ensureSameDevice(previous, destination); err != nil {
		return &CloneError{Err: err}
	}

	plog.Debug("Cloning previous snapshot", "previous", previous, "destination", destination)

	var dirs []clonedDir
	err := filepath.WalkDir(previous, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			return &CloneError{Path: path, Err: walkErr}
		}

		rel, err := filepath.Rel(previous, path)
		if err != nil {
			return &CloneError{Path: path, Err: err}
		}
		target := filepath.Join(destination, rel)

		info, err := d.Info()
		if err != nil {
			return &CloneError{Path: path, Err: err}
		}

		switch {
		case d.IsDir():
			// The owner-write and owner-execute bits are forced so the
			// backup user can populate the directory now and hardlink
			// out of it on the next run, even when the source tree is
			// read-only.
			if err := os.MkdirAll(target, info.Mode().Perm()|0300); err != nil {
				return &CloneError{Path: target, Err: err}
			}
			dirs = append(dirs, clonedDir{source: path, target: target, info: info})
		case info.Mode()&fs.ModeSymlink != 0:
			if err := cloneSymlink(path, target, info); err != nil {
				return &CloneError{Path: path, Err: err}
			}
		case info.Mode().IsRegular():
			// The hardlink shares the inode, so mode, ownership and
			// timestamps come along for free.
			if err := os.Link(path, target); err != nil {
				return &CloneError{Path: path, Err: err}
			}
		default:
			// Devices, FIFOs and sockets carry no content to share;
			// recreate them verbatim.
			if err := recreateSpecial(path, target, info); err != nil {
				return &CloneError{Path: path, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		var cloneErr *CloneError
		if errors.As(err, &cloneErr) {
			return cloneErr
		}
		return &CloneError{Err: err}
	}

	// Apply directory metadata deepest-first, after all children exist.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := applyDirMetadata(dirs[i]); err != nil {
			return &CloneError{Path: dirs[i].target, Err: err}
		}
	}
	return nil
}

// checkDestination verifies that the destination either does not exist
// or is an empty directory.
func checkDestination(destination string) error {
	entries, err := os.ReadDir(destination)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &CloneError{Path: destination, Err: err}
	}
	if len(entries) > 0 {
		return &CloneError{Path: destination, Err: errors.New("destination already exists and is not empty")}
	}
	return nil
}

// cloneSymlink recreates a symlink at target with the same link text
// and, where supported, the same ownership.
func cloneSymlink(source, target string, info fs.FileInfo) error {
	linkTo, err := os.Readlink(source)
	if err != nil {
		return err
	}
	if err := os.Symlink(linkTo, target); err != nil {
		return err
	}
	if uid, gid, ok := fileOwner(info); ok {
		if err := os.Lchown(target, uid, gid); err != nil && !errors.Is(err, fs.ErrPermission) {
			return err
		}
	}
	return nil
}

// applyDirMetadata copies mode, ownership and timestamps from the
// source directory onto its clone. Ownership propagation needs
// privileges; when they are missing the mode and times still apply and
// the mismatch is logged rather than failing the clone.
func applyDirMetadata(dir clonedDir) error {
	if uid, gid, ok := fileOwner(dir.info); ok {
		if err := os.Chown(dir.target, uid, gid); err != nil {
			if !errors.Is(err, fs.ErrPermission) {
				return err
			}
			plog.Debug("Cannot propagate directory ownership without privileges", "path", dir.target)
		}
	}
	if err := os.Chmod(dir.target, dir.info.Mode().Perm()|0300); err != nil {
		return err
	}
	mtime := dir.info.ModTime()
	return os.Chtimes(dir.target, mtime, mtime)
}
