// Package pathsync defines the synchronization contract of the backup
// engine and an rsync-backed implementation of it. The engine treats a
// synchronizer as an opaque capability: given a source locator and a
// freshly cloned destination tree, it must make the destination match
// the source, replacing changed files with fresh copies (which breaks
// their hardlink to the previous snapshot), deleting entries that
// disappeared from the source, and leaving unchanged files untouched.
package pathsync

import (
	"context"
	"errors"

	"github.com/closingbrace/backupbrace/pkg/exclusion"
)

// SourceKind discriminates the source locator variants.
type SourceKind int

const (
	// Local is a directory on the local filesystem.
	Local SourceKind = iota
	// Remote is a directory on a remote host, reached through a remote
	// shell command line.
	Remote
)

// Source locates the directory tree to back up.
type Source struct {
	Kind SourceKind
	// Path is the directory to read, local or on the remote host.
	Path string
	// Shell is the literal command line used to reach Host, including
	// any options (e.g. "ssh -l user"). Remote only.
	Shell string
	// Host is the remote host, optionally as user@host. Remote only.
	Host string
}

// LocalSource returns a Source for a local directory tree.
func LocalSource(path string) Source {
	return Source{Kind: Local, Path: path}
}

// RemoteSource returns a Source for a directory tree on a remote host.
func RemoteSource(shell, host, path string) Source {
	return Source{Kind: Remote, Shell: shell, Host: host, Path: path}
}

// String renders the source the way it appears on a transfer command line.
func (s Source) String() string {
	if s.Kind == Remote {
		return s.Host + ":" + s.Path
	}
	return s.Path
}

// Classified synchronization failures. Implementations wrap one of
// these sentinels so callers can distinguish outcomes with errors.Is.
var (
	// ErrSourceUnreachable indicates the remote host or shell could not
	// be reached at all.
	ErrSourceUnreachable = errors.New("source unreachable")
	// ErrTransfer indicates a partial failure mid-transfer.
	ErrTransfer = errors.New("transfer failed")
	// ErrPermission indicates the synchronizer was denied access to
	// source or destination entries.
	ErrPermission = errors.New("permission denied")
)

// Executor reconciles a destination tree with a source tree.
//
// A conforming implementation must guarantee that a destination file
// whose content differs from its source counterpart is replaced by a
// fresh inode rather than edited in place, so that the previous run's
// hardlinked copy is never mutated. On failure the destination may be
// left inconsistent but non-corrupting: hardlinks to prior runs remain
// valid inodes.
type Executor interface {
	Reconcile(ctx context.Context, src Source, destination string, filter *exclusion.Filter) error
}
