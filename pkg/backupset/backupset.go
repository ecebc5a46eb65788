// Package backupset processes a single backup set within a run: it
// clones the set's previous snapshot, compiles the set's exclusions and
// hands the cloned tree to the synchronizer. A failure in one set is
// converted into a Result at this boundary and never propagates, so
// sibling sets always get their turn.
package backupset

import (
	"context"

	"github.com/closingbrace/backupbrace/pkg/config"
	"github.com/closingbrace/backupbrace/pkg/exclusion"
	"github.com/closingbrace/backupbrace/pkg/pathsync"
	"github.com/closingbrace/backupbrace/pkg/plog"
	"github.com/closingbrace/backupbrace/pkg/statefile"
)

// Set is one named source-to-destination mapping, immutable for the
// duration of a run.
type Set struct {
	Name        string
	Source      pathsync.Source
	SkipEntries []string
}

// FromConfig converts a validated configuration entry into a Set.
func FromConfig(sc config.SetConfig) Set {
	set := Set{
		Name:        sc.Name,
		SkipEntries: sc.SkipEntries,
	}
	switch sc.Type {
	case config.TypeRemoteDir:
		set.Source = pathsync.RemoteSource(sc.RemoteShell, sc.RemoteHost, sc.SourceDir)
	default:
		set.Source = pathsync.LocalSource(sc.SourceDir)
	}
	return set
}

// Status is the outcome of processing one set.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusSkipped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result is the recorded outcome of one set within a run. Err carries
// the classified cause when Status is failed.
type Result struct {
	Name   string
	Status Status
	Err    error
}

// Cloner materializes the destination tree from a previous snapshot.
// It is satisfied by snapshot.Cloner and substituted in tests.
type Cloner interface {
	Clone(ctx context.Context, previous, destination string) error
}

// StateFunc receives a set's lifecycle transitions so the run's state
// file can be kept current.
type StateFunc func(name string, state statefile.SetState)

// Processor composes the cloner and the synchronizer for one set.
type Processor struct {
	cloner   Cloner
	executor pathsync.Executor
	onState  StateFunc
}

// NewProcessor creates a Processor. onState may be nil.
func NewProcessor(cloner Cloner, executor pathsync.Executor, onState StateFunc) *Processor {
	return &Processor{cloner: cloner, executor: executor, onState: onState}
}

func (p *Processor) state(name string, state statefile.SetState) {
	if p.onState != nil {
		p.onState(name, state)
	}
}

// Process creates the snapshot for one set: clone the previous snapshot
// (or start empty), then reconcile the clone with the source. Failures
// are returned as a failed Result, never as an error; a clone failure
// leaves the destination unusable, so synchronization is not attempted.
func (p *Processor) Process(ctx context.Context, set Set, previous, destination string) Result {
	if previous != "" {
		plog.Info("Cloning backup set", "set", set.Name, "from", previous)
	} else {
		plog.Info("First backup of set, starting empty", "set", set.Name)
	}

	p.state(set.Name, statefile.StateCloning)
	if err := p.cloner.Clone(ctx, previous, destination); err != nil {
		p.state(set.Name, statefile.StateFailed)
		plog.Error("Cloning backup set failed", "set", set.Name, "error", err)
		return Result{Name: set.Name, Status: StatusFailed, Err: err}
	}
	p.state(set.Name, statefile.StateCloned)

	filter := exclusion.Compile(set.SkipEntries)
	if !filter.Empty() {
		plog.Debug("Compiled exclusions", "set", set.Name, "entries", filter.Entries())
	}

	plog.Info("Making backup of set", "set", set.Name, "source", set.Source.String())
	p.state(set.Name, statefile.StateSynchronizing)
	if err := p.executor.Reconcile(ctx, set.Source, destination, filter); err != nil {
		p.state(set.Name, statefile.StateFailed)
		plog.Error("Error making backup of set", "set", set.Name, "error", err)
		return Result{Name: set.Name, Status: StatusFailed, Err: err}
	}
	p.state(set.Name, statefile.StateFinished)

	plog.Info("Finished backup of set", "set", set.Name)
	return Result{Name: set.Name, Status: StatusSucceeded}
}

// LocatePrevious returns the most recent prior run that contains a
// snapshot for a set. runs must already be sorted from newest to
// oldest; hasSet probes whether a run directory contains the set. The
// probe is injected so the lookup itself stays free of filesystem
// side effects.
func LocatePrevious(runs []string, hasSet func(run string) bool) (string, bool) {
	for _, run := range runs {
		if hasSet(run) {
			return run, true
		}
	}
	return "", false
}
