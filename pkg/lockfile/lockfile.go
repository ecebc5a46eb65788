// Package lockfile guards a backup root against concurrent runs. Two
// simultaneous runs could select the same previous snapshot and then
// race to create the same run directory, so exactly one process may
// hold the lock for a given backup root at a time.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/closingbrace/backupbrace/pkg/plog"
	"github.com/closingbrace/backupbrace/pkg/util"
)

// LockFileName is the name of the lock file created in the backup root.
const LockFileName = ".backupbrace.lock"

// LockContent is the JSON structure written to the lock file. It
// identifies the holder so a blocked run can report who is in the way.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	AppID      string    `json:"appID"`
}

// ErrLockActive is returned when the lock is already held by a live
// process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	AppID     string
	TimeSince time.Duration
}

// Error implements the error interface.
func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (app: %s), last updated %s ago",
		e.PID, e.Hostname, e.AppID, e.TimeSince.Truncate(time.Second))
}

// ErrCorruptLockFile indicates the lock file on disk is unreadable,
// either empty or containing invalid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// These are vars so tests can shorten them. A lock whose holder has
// not refreshed it within staleTimeout is considered dead and may be
// taken over.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
)

// Lock represents an acquired lock file.
type Lock struct {
	path    string
	content LockContent
	// ctx and cancel stop the background heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	held   bool
}

// Acquire attempts to take the lock for dirPath. It returns
// (nil, *ErrLockActive) when another live process holds the lock, and
// (nil, error) for any other failure. Stale locks left behind by dead
// processes are removed and retried.
func Acquire(ctx context.Context, dirPath, appID string) (*Lock, error) {
	lockPath := filepath.Join(dirPath, LockFileName)
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(lockPath, appID)
		if err == nil {
			go lock.heartbeat()
			return lock, nil
		}
		// Anything but "file exists" is a real filesystem error.
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		content, readErr := readLockContent(lockPath)
		if readErr != nil {
			if errors.Is(readErr, ErrCorruptLockFile) {
				plog.Warn("Found corrupt lock file, removing it", "path", lockPath)
				removeLockFile(lockPath)
				continue
			}
			// Transient read error; the holder may be mid-update.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		elapsed := time.Since(content.LastUpdate)
		if elapsed < staleTimeout {
			return nil, &ErrLockActive{
				PID:       content.PID,
				Hostname:  content.Hostname,
				AppID:     content.AppID,
				TimeSince: elapsed,
			}
		}

		plog.Warn("Found stale lock, taking it over", "pid", content.PID, "age", elapsed.Truncate(time.Second))
		removeLockFile(lockPath)
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", 3)
}

// tryAcquire creates the lock file with O_EXCL, which guarantees that
// exactly one process wins when several race for a missing file.
func tryAcquire(lockPath, appID string) (*Lock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	content := LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		AppID:      appID,
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		path:    lockPath,
		content: content,
		ctx:     lockCtx,
		cancel:  cancel,
		held:    true,
	}

	if err := writeLockContent(f, content); err != nil {
		l.cancel()
		removeLockFile(lockPath)
		return nil, err
	}
	return l, nil
}

// Release stops the heartbeat and removes the lock file. Releasing an
// already-released lock is a no-op.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.cancel()
	removeLockFile(l.path)
	l.held = false
}

// heartbeat periodically refreshes LastUpdate so other processes can
// tell a live lock from one left behind by a crash.
func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateLockFileAtomic(l.path, l.content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "error", err)
				// Try again next tick.
			}
		}
	}
}

// updateLockFileAtomic writes the content to a temporary file and
// renames it over the lock path, so the file is never observed empty.
func updateLockFileAtomic(lockPath string, content LockContent) error {
	dir := filepath.Dir(lockPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(lockPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeLockContent(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), lockPath); err != nil {
		return fmt.Errorf("failed to rename temp lock file: %w", err)
	}
	return nil
}

func removeLockFile(lockPath string) {
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", lockPath, "error", err)
	}
}

// writeLockContent marshals the content and writes it to w.
func writeLockContent(w io.Writer, content LockContent) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readLockContent reads and parses the lock file, retrying briefly to
// ride out a concurrent heartbeat update.
func readLockContent(lockPath string) (LockContent, error) {
	var lastCorrupt error
	for attempt := 0; attempt < 3; attempt++ {
		data, err := os.ReadFile(lockPath)
		if err != nil {
			return LockContent{}, err
		}
		if len(data) == 0 {
			lastCorrupt = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var content LockContent
		if err := json.Unmarshal(data, &content); err != nil {
			lastCorrupt = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, nil
	}
	return LockContent{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastCorrupt)
}
