package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/closingbrace/backupbrace/pkg/backupset"
	"github.com/closingbrace/backupbrace/pkg/config"
	"github.com/closingbrace/backupbrace/pkg/exclusion"
	"github.com/closingbrace/backupbrace/pkg/lockfile"
	"github.com/closingbrace/backupbrace/pkg/pathsync"
	"github.com/closingbrace/backupbrace/pkg/plog"
	"github.com/closingbrace/backupbrace/pkg/snapshot"
	"github.com/closingbrace/backupbrace/pkg/statefile"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// copyExecutor is a deterministic stand-in for the rsync executor. It
// honors the synchronizer contract: changed files are replaced through
// a fresh inode plus rename, entries missing from the source are
// deleted, excluded entries are skipped and deleted, unchanged files
// are left untouched. Remote sources are reported unreachable, since
// tests have no transport.
type copyExecutor struct{}

func (e *copyExecutor) Reconcile(ctx context.Context, src pathsync.Source, destination string, filter *exclusion.Filter) error {
	if src.Kind != pathsync.Local {
		return fmt.Errorf("%w: %s", pathsync.ErrSourceUnreachable, src.String())
	}
	return syncTree(src.Path, destination, filter)
}

func syncTree(source, destination string, filter *exclusion.Filter) error {
	keep := make(map[string]bool)
	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if filter.Matches(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		keep[rel] = true
		target := filepath.Join(destination, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		want, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if have, err := os.ReadFile(target); err == nil && bytes.Equal(have, want) {
			return nil
		}
		tmp, err := os.CreateTemp(filepath.Dir(target), ".sync-*")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(want); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), target)
	})
	if err != nil {
		return err
	}

	var doomed []string
	err = filepath.WalkDir(destination, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(destination, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if !keep[rel] {
			doomed = append(doomed, path)
			if d.IsDir() {
				return fs.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range doomed {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

func newTestRunner() *Runner {
	return NewRunner(snapshot.NewCloner(), &copyExecutor{})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll(%s) failed: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) failed: %v", path, err)
	}
	return string(data)
}

func localConfig(backupDir string, sets ...config.SetConfig) config.Config {
	return config.Config{
		Version:         "2.0",
		BackupDir:       backupDir,
		Sets:            sets,
		MaxParallelSets: 1,
	}
}

// waitForNextSecond blocks until a new run would get a fresh timestamp,
// so back-to-back runs in a test never collide on the run directory.
func waitForNextSecond(t *testing.T, last time.Time) {
	t.Helper()
	for time.Now().Truncate(time.Second).Equal(last.Truncate(time.Second)) {
		time.Sleep(25 * time.Millisecond)
	}
}

func TestFirstRun(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "file.txt"), "hello")
	writeFile(t, filepath.Join(source, "sub", "nested.txt"), "nested")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	cfg := localConfig(backupDir, config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: source})
	result, err := newTestRunner().Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("run did not succeed: %+v", result.Results)
	}

	if got := readFile(t, filepath.Join(result.RunDir, "data", "file.txt")); got != "hello" {
		t.Errorf("snapshot file content = %q, want %q", got, "hello")
	}
	if got := readFile(t, filepath.Join(result.RunDir, "data", "sub", "nested.txt")); got != "nested" {
		t.Errorf("snapshot nested content = %q, want %q", got, "nested")
	}

	state, err := statefile.Read(result.RunDir)
	if err != nil {
		t.Fatalf("statefile.Read() failed: %v", err)
	}
	if state.Sets["data"] != statefile.StateFinished {
		t.Errorf("state of set data = %q, want %q", state.Sets["data"], statefile.StateFinished)
	}
	if !state.Timestamp.Equal(result.Timestamp) {
		t.Errorf("state timestamp = %v, want %v", state.Timestamp, result.Timestamp)
	}

	// The lock must be gone once the run finishes.
	if _, err := os.Stat(filepath.Join(backupDir, lockfile.LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present after run: %v", err)
	}
}

func TestSecondRunSharesAndBreaksHardlinks(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "stable.txt"), "unchanged")
	writeFile(t, filepath.Join(source, "mutable.txt"), "version one")
	writeFile(t, filepath.Join(source, "doomed.txt"), "will be deleted")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	cfg := localConfig(backupDir, config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: source})
	runner := newTestRunner()

	first, err := runner.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Execute() failed: %v", err)
	}
	if !first.Succeeded() {
		t.Fatalf("first run did not succeed: %+v", first.Results)
	}

	writeFile(t, filepath.Join(source, "mutable.txt"), "version two")
	writeFile(t, filepath.Join(source, "fresh.txt"), "brand new")
	if err := os.Remove(filepath.Join(source, "doomed.txt")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	waitForNextSecond(t, first.Timestamp)
	second, err := runner.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Execute() failed: %v", err)
	}
	if !second.Succeeded() {
		t.Fatalf("second run did not succeed: %+v", second.Results)
	}

	// The unchanged file shares one inode across both snapshots.
	oldStable, err := os.Stat(filepath.Join(first.RunDir, "data", "stable.txt"))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	newStable, err := os.Stat(filepath.Join(second.RunDir, "data", "stable.txt"))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if !os.SameFile(oldStable, newStable) {
		t.Error("unchanged file was not hardlinked between runs")
	}

	// The changed file got a fresh inode, leaving the old snapshot intact.
	oldMutable, err := os.Stat(filepath.Join(first.RunDir, "data", "mutable.txt"))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	newMutable, err := os.Stat(filepath.Join(second.RunDir, "data", "mutable.txt"))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if os.SameFile(oldMutable, newMutable) {
		t.Error("changed file still shares an inode with the previous snapshot")
	}
	if got := readFile(t, filepath.Join(first.RunDir, "data", "mutable.txt")); got != "version one" {
		t.Errorf("previous snapshot content = %q, want untouched %q", got, "version one")
	}
	if got := readFile(t, filepath.Join(second.RunDir, "data", "mutable.txt")); got != "version two" {
		t.Errorf("new snapshot content = %q, want %q", got, "version two")
	}

	// Deletion propagated to the new snapshot only.
	if _, err := os.Stat(filepath.Join(second.RunDir, "data", "doomed.txt")); !os.IsNotExist(err) {
		t.Errorf("deleted file still present in new snapshot: %v", err)
	}
	if got := readFile(t, filepath.Join(first.RunDir, "data", "doomed.txt")); got != "will be deleted" {
		t.Errorf("previous snapshot lost a file after deletion propagation: %q", got)
	}

	if got := readFile(t, filepath.Join(second.RunDir, "data", "fresh.txt")); got != "brand new" {
		t.Errorf("new file content = %q, want %q", got, "brand new")
	}
}

func TestUnchangedSourceIsFullyHardlinked(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "a.txt"), "alpha")
	writeFile(t, filepath.Join(source, "sub", "b.txt"), "beta")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	cfg := localConfig(backupDir, config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: source})
	runner := newTestRunner()

	first, err := runner.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first Execute() failed: %v", err)
	}
	waitForNextSecond(t, first.Timestamp)
	second, err := runner.Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second Execute() failed: %v", err)
	}
	if !first.Succeeded() || !second.Succeeded() {
		t.Fatalf("runs did not succeed: %+v %+v", first.Results, second.Results)
	}

	// With an unchanged source, every regular file in the new snapshot
	// shares its inode with the previous one.
	err = filepath.WalkDir(filepath.Join(second.RunDir, "data"), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(second.RunDir, path)
		if err != nil {
			return err
		}
		newInfo, err := os.Stat(path)
		if err != nil {
			return err
		}
		oldInfo, err := os.Stat(filepath.Join(first.RunDir, rel))
		if err != nil {
			return err
		}
		if !os.SameFile(oldInfo, newInfo) {
			t.Errorf("%s got a new inode despite unchanged source", rel)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() failed: %v", err)
	}
}

func TestExclusionsHonored(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "keep.txt"), "keep")
	writeFile(t, filepath.Join(source, "cache", "junk.txt"), "junk")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	cfg := localConfig(backupDir, config.SetConfig{
		Name:        "data",
		Type:        config.TypeLocalDir,
		SourceDir:   source,
		SkipEntries: []string{"cache"},
	})
	result, err := newTestRunner().Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("run did not succeed: %+v", result.Results)
	}

	if _, err := os.Stat(filepath.Join(result.RunDir, "data", "keep.txt")); err != nil {
		t.Errorf("kept file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(result.RunDir, "data", "cache")); !os.IsNotExist(err) {
		t.Errorf("excluded directory present in snapshot: %v", err)
	}
}

func TestSetFailureIsolation(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "file.txt"), "content")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	cfg := localConfig(backupDir,
		config.SetConfig{
			Name:        "unreachable",
			Type:        config.TypeRemoteDir,
			SourceDir:   "/srv/data",
			RemoteShell: "ssh",
			RemoteHost:  "gone.example.org",
		},
		config.SetConfig{Name: "local", Type: config.TypeLocalDir, SourceDir: source},
	)

	result, err := newTestRunner().Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Succeeded() {
		t.Fatal("run reported success despite a failed set")
	}

	byName := make(map[string]backupset.Result)
	for _, res := range result.Results {
		byName[res.Name] = res
	}
	if byName["local"].Status != backupset.StatusSucceeded {
		t.Errorf("local set status = %v, want succeeded (err: %v)", byName["local"].Status, byName["local"].Err)
	}
	if byName["unreachable"].Status != backupset.StatusFailed {
		t.Errorf("unreachable set status = %v, want failed", byName["unreachable"].Status)
	}
	if !errors.Is(byName["unreachable"].Err, pathsync.ErrSourceUnreachable) {
		t.Errorf("unreachable set error = %v, want ErrSourceUnreachable", byName["unreachable"].Err)
	}

	if got := readFile(t, filepath.Join(result.RunDir, "local", "file.txt")); got != "content" {
		t.Errorf("local snapshot content = %q, want %q", got, "content")
	}

	state, err := statefile.Read(result.RunDir)
	if err != nil {
		t.Fatalf("statefile.Read() failed: %v", err)
	}
	if state.Sets["local"] != statefile.StateFinished {
		t.Errorf("state of local = %q, want %q", state.Sets["local"], statefile.StateFinished)
	}
	if state.Sets["unreachable"] != statefile.StateFailed {
		t.Errorf("state of unreachable = %q, want %q", state.Sets["unreachable"], statefile.StateFailed)
	}
}

func TestParallelSets(t *testing.T) {
	tmp := t.TempDir()
	backupDir := filepath.Join(tmp, "backups")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	var sets []config.SetConfig
	for _, name := range []string{"one", "two", "three"} {
		source := filepath.Join(tmp, "source-"+name)
		writeFile(t, filepath.Join(source, name+".txt"), name)
		sets = append(sets, config.SetConfig{Name: name, Type: config.TypeLocalDir, SourceDir: source})
	}

	cfg := localConfig(backupDir, sets...)
	cfg.MaxParallelSets = 2

	result, err := newTestRunner().Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("run did not succeed: %+v", result.Results)
	}
	for _, name := range []string{"one", "two", "three"} {
		if got := readFile(t, filepath.Join(result.RunDir, name, name+".txt")); got != name {
			t.Errorf("set %s content = %q, want %q", name, got, name)
		}
	}
}

func TestMissingBackupRootIsFatal(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	writeFile(t, filepath.Join(source, "file.txt"), "content")

	cfg := localConfig(filepath.Join(tmp, "not-mounted"),
		config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: source})
	if _, err := newTestRunner().Execute(context.Background(), cfg); err == nil {
		t.Error("Execute() with missing backup root succeeded, want error")
	}
}

func TestBackupRootMustBeDirectory(t *testing.T) {
	tmp := t.TempDir()
	backupFile := filepath.Join(tmp, "backups")
	writeFile(t, backupFile, "not a directory")

	cfg := localConfig(backupFile,
		config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: tmp})
	if _, err := newTestRunner().Execute(context.Background(), cfg); err == nil {
		t.Error("Execute() with file as backup root succeeded, want error")
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "file.txt"), "content")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	other, err := lockfile.Acquire(context.Background(), backupDir, "other-run")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer other.Release()

	cfg := localConfig(backupDir, config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: source})
	_, err = newTestRunner().Execute(context.Background(), cfg)
	if err == nil {
		t.Fatal("Execute() succeeded while the lock was held")
	}
	var active *lockfile.ErrLockActive
	if !errors.As(err, &active) {
		t.Errorf("Execute() error = %v, want it to wrap *ErrLockActive", err)
	}

	// No run directory may be left behind by the rejected run.
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			t.Errorf("rejected run left directory %s behind", entry.Name())
		}
	}
}

func TestExistingRunDirectoryRejected(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "file.txt"), "content")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	// Occupy every timestamp the run could pick in the next few seconds.
	now := time.Now().Truncate(time.Second)
	for offset := 0; offset < 5; offset++ {
		name := now.Add(time.Duration(offset) * time.Second).Format(TimestampFormat)
		if err := os.Mkdir(filepath.Join(backupDir, name), 0755); err != nil {
			t.Fatalf("Mkdir() failed: %v", err)
		}
	}

	cfg := localConfig(backupDir, config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: source})
	if _, err := newTestRunner().Execute(context.Background(), cfg); err == nil {
		t.Error("Execute() into an existing run directory succeeded, want error")
	}
}

// cancelingExecutor cancels the run during its first reconcile, so the
// remaining sets observe a canceled context.
type cancelingExecutor struct {
	cancel context.CancelFunc
}

func (e *cancelingExecutor) Reconcile(ctx context.Context, src pathsync.Source, destination string, filter *exclusion.Filter) error {
	e.cancel()
	return ctx.Err()
}

func TestCanceledRunSkipsRemainingSets(t *testing.T) {
	tmp := t.TempDir()
	backupDir := filepath.Join(tmp, "backups")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}
	sourceA := filepath.Join(tmp, "source-a")
	sourceB := filepath.Join(tmp, "source-b")
	writeFile(t, filepath.Join(sourceA, "a.txt"), "a")
	writeFile(t, filepath.Join(sourceB, "b.txt"), "b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := NewRunner(snapshot.NewCloner(), &cancelingExecutor{cancel: cancel})

	cfg := localConfig(backupDir,
		config.SetConfig{Name: "first", Type: config.TypeLocalDir, SourceDir: sourceA},
		config.SetConfig{Name: "second", Type: config.TypeLocalDir, SourceDir: sourceB},
	)
	result, err := runner.Execute(ctx, cfg)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if result.Results[0].Status != backupset.StatusFailed {
		t.Errorf("first set status = %v, want failed", result.Results[0].Status)
	}
	if result.Results[1].Status != backupset.StatusSkipped {
		t.Errorf("second set status = %v, want skipped", result.Results[1].Status)
	}

	state, err := statefile.Read(result.RunDir)
	if err != nil {
		t.Fatalf("statefile.Read() failed: %v", err)
	}
	if state.Sets["first"] != statefile.StateFailed {
		t.Errorf("state of first = %q, want %q", state.Sets["first"], statefile.StateFailed)
	}
	if state.Sets["second"] != statefile.StateSkipped {
		t.Errorf("state of second = %q, want %q", state.Sets["second"], statefile.StateSkipped)
	}
}

func TestPreviousRunSelectionSkipsRunsWithoutSet(t *testing.T) {
	tmp := t.TempDir()
	source := filepath.Join(tmp, "source")
	backupDir := filepath.Join(tmp, "backups")
	writeFile(t, filepath.Join(source, "file.txt"), "content")
	if err := os.Mkdir(backupDir, 0755); err != nil {
		t.Fatalf("Mkdir() failed: %v", err)
	}

	// An old run holding the set, and a newer run without it.
	oldRun := filepath.Join(backupDir, "2026-08-20T10:00:00")
	writeFile(t, filepath.Join(oldRun, "data", "file.txt"), "content")
	if err := os.MkdirAll(filepath.Join(backupDir, "2026-08-21T10:00:00"), 0755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}

	cfg := localConfig(backupDir, config.SetConfig{Name: "data", Type: config.TypeLocalDir, SourceDir: source})
	result, err := newTestRunner().Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("run did not succeed: %+v", result.Results)
	}

	// The unchanged file must hardlink back to the old run's inode.
	oldInfo, err := os.Stat(filepath.Join(oldRun, "data", "file.txt"))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	newInfo, err := os.Stat(filepath.Join(result.RunDir, "data", "file.txt"))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if !os.SameFile(oldInfo, newInfo) {
		t.Error("snapshot was not cloned from the most recent run containing the set")
	}
}

func TestSortRuns(t *testing.T) {
	names := []string{
		"2026-08-24T10:00:00",
		"not-a-run",
		"2026-08-25T09:30:00",
		lockfile.LockFileName,
		"2025-12-31T23:59:59",
		"2026-08-25",
	}
	want := []string{
		"2026-08-25T09:30:00",
		"2026-08-24T10:00:00",
		"2025-12-31T23:59:59",
	}
	if got := SortRuns(names); !reflect.DeepEqual(got, want) {
		t.Errorf("SortRuns() = %v, want %v", got, want)
	}
}
