package pathsync

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/closingbrace/backupbrace/pkg/exclusion"
	"github.com/closingbrace/backupbrace/pkg/plog"
)

// RsyncExecutor synchronizes a destination tree with a source tree by
// invoking rsync as an external process. Changed files are replaced
// atomically by rsync (new inode, then rename), which is what breaks
// the hardlink to the previous snapshot without mutating it.
type RsyncExecutor struct {
	rsyncPath string
}

// NewRsyncExecutor creates an executor that invokes the rsync binary
// found on PATH.
func NewRsyncExecutor() *RsyncExecutor {
	return &RsyncExecutor{rsyncPath: "rsync"}
}

// commonArgs are shared by local and remote transfers: mirror
// deletions, honor exclusions on both sides, keep numeric ownership,
// and emit line-buffered per-file progress for the log.
var commonArgs = []string{
	"--delete",
	"--delete-excluded",
	"--numeric-ids",
	"--outbuf=Line",
	"--stats",
	"--itemize-changes",
}

// Reconcile runs rsync against the destination. The returned error
// wraps one of ErrSourceUnreachable, ErrTransfer or ErrPermission, or
// is the context's error when the run was canceled.
func (e *RsyncExecutor) Reconcile(ctx context.Context, src Source, destination string, filter *exclusion.Filter) error {
	args := reconcileArgs(src, destination, filter)
	plog.Debug("Invoking rsync", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, e.rsyncPath, args...)
	configureCommand(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: creating rsync stdout pipe: %v", ErrTransfer, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting rsync: %v", ErrTransfer, err)
	}

	// Stream rsync's itemized output into the run log as it arrives.
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			plog.Info(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return classifyExit(exitErr.ExitCode(), stderr.String())
		}
		return fmt.Errorf("%w: rsync: %v", ErrTransfer, err)
	}
	return nil
}

// reconcileArgs builds the rsync command line for a source locator.
// Local transfers preserve ACLs (-A); remote transfers instead enable
// compression (-z) and protect remote paths with spaces (-s).
func reconcileArgs(src Source, destination string, filter *exclusion.Filter) []string {
	var args []string
	switch src.Kind {
	case Remote:
		args = append(args, "-aXhzs")
		args = append(args, commonArgs...)
		args = append(args, "-e"+src.Shell)
		args = append(args, filter.RsyncArgs()...)
		args = append(args, src.Host+":"+src.Path+"/", destination)
	default:
		args = append(args, "-aAXh")
		args = append(args, commonArgs...)
		args = append(args, filter.RsyncArgs()...)
		args = append(args, src.Path+"/", destination)
	}
	return args
}

// unreachableExitCodes are the rsync exit codes that indicate the far
// side could not be reached at all: client-server startup, socket I/O,
// protocol stream failures, timeouts, and the remote shell's own
// failure code (255 for ssh).
var unreachableExitCodes = map[int]bool{
	5:   true, // error starting client-server protocol
	10:  true, // error in socket I/O
	12:  true, // error in rsync protocol data stream
	14:  true, // error in IPC code
	30:  true, // timeout in data send/receive
	35:  true, // timeout waiting for daemon connection
	255: true, // remote shell failed
}

// classifyExit maps an rsync exit code plus captured stderr to one of
// the classified sentinel errors.
func classifyExit(code int, stderr string) error {
	detail := stderrTail(stderr)
	switch {
	case strings.Contains(strings.ToLower(stderr), "permission denied"):
		return fmt.Errorf("%w: rsync exited with code %d: %s", ErrPermission, code, detail)
	case unreachableExitCodes[code]:
		return fmt.Errorf("%w: rsync exited with code %d: %s", ErrSourceUnreachable, code, detail)
	default:
		return fmt.Errorf("%w: rsync exited with code %d: %s", ErrTransfer, code, detail)
	}
}

// stderrTail returns the last non-empty stderr line for diagnostics.
func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "no error output"
}
