// Package engine coordinates one backup run: it locks the backup root,
// fixes a single timestamp for the whole run, locates each set's
// previous snapshot, and drives the per-set processor. Failures inside
// a set never abort the run; only a missing backup root, a held lock or
// an unusable run directory are fatal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/closingbrace/backupbrace/pkg/backupset"
	"github.com/closingbrace/backupbrace/pkg/buildinfo"
	"github.com/closingbrace/backupbrace/pkg/config"
	"github.com/closingbrace/backupbrace/pkg/lockfile"
	"github.com/closingbrace/backupbrace/pkg/pathsync"
	"github.com/closingbrace/backupbrace/pkg/plog"
	"github.com/closingbrace/backupbrace/pkg/statefile"
	"github.com/closingbrace/backupbrace/pkg/util"
)

// TimestampFormat is the layout of run directory names. One timestamp
// is fixed at the start of a run and shared by every set in it.
const TimestampFormat = "2006-01-02T15:04:05"

// Runner coordinates backup runs. The cloner and executor are injected
// so tests can substitute deterministic implementations.
type Runner struct {
	cloner   backupset.Cloner
	executor pathsync.Executor
}

// NewRunner creates a Runner from its two collaborators.
func NewRunner(cloner backupset.Cloner, executor pathsync.Executor) *Runner {
	return &Runner{cloner: cloner, executor: executor}
}

// RunResult aggregates the outcome of one run.
type RunResult struct {
	Timestamp time.Time
	RunDir    string
	Results   []backupset.Result
}

// Succeeded reports whether every set in the run succeeded.
func (r *RunResult) Succeeded() bool {
	for _, res := range r.Results {
		if res.Status != backupset.StatusSucceeded {
			return false
		}
	}
	return true
}

// Execute performs one backup run for the given configuration. The
// returned error is non-nil only for run-fatal conditions (missing
// backup root, lock already held, run directory collision); per-set
// failures are reported through the RunResult.
func (r *Runner) Execute(ctx context.Context, cfg config.Config) (*RunResult, error) {
	// The backup root is a precondition, not something this engine
	// creates: a missing root usually means the backup disk is not
	// mounted, and creating it would silently back up to the wrong
	// filesystem.
	info, err := os.Stat(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("cannot manage backups in non-existent directory %s: %w", cfg.BackupDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup directory %s is not a directory", cfg.BackupDir)
	}

	appID := fmt.Sprintf("%s:%s", buildinfo.Name, cfg.BackupDir)
	lock, err := lockfile.Acquire(ctx, cfg.BackupDir, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return nil, fmt.Errorf("another backup run is active for %s: %w", cfg.BackupDir, err)
		}
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	defer lock.Release()

	// One timestamp for the whole run, fixed before any set is touched.
	timestamp := time.Now().Truncate(time.Second)
	runName := timestamp.Format(TimestampFormat)
	runDir := filepath.Join(cfg.BackupDir, runName)

	// Enumerate prior runs before creating ours, so the current run
	// can never be selected as its own predecessor.
	priorRuns, err := listRuns(cfg.BackupDir)
	if err != nil {
		return nil, err
	}

	// A leftover directory with our timestamp means a previous run was
	// interrupted within the same second, or the clock went backwards.
	// Resuming into it would mix two runs, so refuse.
	if _, err := os.Stat(runDir); err == nil {
		return nil, fmt.Errorf("run directory %s already exists, refusing to reuse it", runDir)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not check run directory %s: %w", runDir, err)
	}
	if err := os.Mkdir(runDir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("could not create run directory: %w", err)
	}
	plog.Info("Backup run started", "run", runName, "backup_dir", cfg.BackupDir)

	sets := make([]backupset.Set, len(cfg.Sets))
	for i, sc := range cfg.Sets {
		sets[i] = backupset.FromConfig(sc)
	}

	state := newRunState(runDir, timestamp, sets)
	if err := state.flush(); err != nil {
		return nil, fmt.Errorf("could not write initial run state: %w", err)
	}

	// Locate every set's previous snapshot up front and serially, so
	// the directory listing is never raced by concurrent processing.
	previous := make([]string, len(sets))
	for i, set := range sets {
		run, ok := backupset.LocatePrevious(priorRuns, func(run string) bool {
			fi, statErr := os.Stat(filepath.Join(cfg.BackupDir, run, set.Name))
			return statErr == nil && fi.IsDir()
		})
		if ok {
			previous[i] = filepath.Join(cfg.BackupDir, run, set.Name)
			plog.Debug("Located previous snapshot", "set", set.Name, "run", run)
		} else {
			plog.Debug("No previous snapshot found", "set", set.Name)
		}
	}

	processor := backupset.NewProcessor(r.cloner, r.executor, state.record)
	results := make([]backupset.Result, len(sets))

	if cfg.MaxParallelSets > 1 {
		// Independent sets share nothing but the read-only root listing
		// and the run timestamp, so they may proceed concurrently. Each
		// goroutine only writes its own result slot and never returns
		// an error: one set's failure must not cancel its siblings.
		var g errgroup.Group
		g.SetLimit(cfg.MaxParallelSets)
		for i := range sets {
			i := i
			g.Go(func() error {
				results[i] = r.processOne(ctx, processor, state, sets[i], previous[i], runDir)
				return nil
			})
		}
		g.Wait()
	} else {
		for i := range sets {
			results[i] = r.processOne(ctx, processor, state, sets[i], previous[i], runDir)
		}
	}

	result := &RunResult{Timestamp: timestamp, RunDir: runDir, Results: results}
	logRunSummary(result)
	return result, nil
}

// processOne runs a single set, honoring cancellation: a set not yet
// started when the run is canceled is recorded as skipped, while a set
// interrupted mid-flight is recorded as failed by the processor and its
// partial tree is kept on disk for inspection.
func (r *Runner) processOne(ctx context.Context, processor *backupset.Processor, state *runState, set backupset.Set, previous, runDir string) backupset.Result {
	if ctx.Err() != nil {
		state.record(set.Name, statefile.StateSkipped)
		plog.Warn("Skipping backup set, run canceled", "set", set.Name)
		return backupset.Result{Name: set.Name, Status: backupset.StatusSkipped, Err: ctx.Err()}
	}
	destination := filepath.Join(runDir, set.Name)
	return processor.Process(ctx, set, previous, destination)
}

// listRuns returns the names of existing run directories in the backup
// root, newest first. Entries that do not parse as run timestamps (the
// lock file, foreign directories) are ignored.
func listRuns(backupDir string) ([]string, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory %s: %w", backupDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return SortRuns(names), nil
}

// SortRuns filters names down to valid run-timestamp directory names
// and sorts them from newest to oldest. It is a pure function so the
// previous-snapshot selection can be tested without a filesystem.
func SortRuns(names []string) []string {
	runs := make([]string, 0, len(names))
	for _, name := range names {
		if _, err := time.Parse(TimestampFormat, name); err == nil {
			runs = append(runs, name)
		}
	}
	// The fixed-width layout makes lexical order chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))
	return runs
}

// logRunSummary reports the per-set outcomes at the end of a run.
func logRunSummary(result *RunResult) {
	for _, res := range result.Results {
		switch res.Status {
		case backupset.StatusSucceeded:
			plog.Info("Backup set succeeded", "set", res.Name)
		case backupset.StatusSkipped:
			plog.Warn("Backup set skipped", "set", res.Name)
		default:
			plog.Error("Backup set failed", "set", res.Name, "error", res.Err)
		}
	}
}

// runState serializes updates to the run's state file; with parallel
// set processing several goroutines report transitions concurrently.
type runState struct {
	mu      sync.Mutex
	runDir  string
	content statefile.Content
}

func newRunState(runDir string, timestamp time.Time, sets []backupset.Set) *runState {
	content := statefile.Content{
		Timestamp: timestamp,
		Sets:      make(map[string]statefile.SetState, len(sets)),
	}
	for _, set := range sets {
		content.Sets[set.Name] = statefile.StateConfigured
	}
	return &runState{runDir: runDir, content: content}
}

// record updates one set's state and rewrites the state file. Write
// failures are logged but do not fail the set: the snapshot itself is
// more valuable than its bookkeeping.
func (s *runState) record(name string, state statefile.SetState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.Sets[name] = state
	if err := statefile.Write(s.runDir, s.content); err != nil {
		plog.Warn("Could not update run state file", "run_dir", s.runDir, "error", err)
	}
}

func (s *runState) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statefile.Write(s.runDir, s.content)
}
