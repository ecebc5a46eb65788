// Package statefile records the progress of one backup run in a
// backup.state file inside the run directory. The file holds the run's
// timestamp and the state of every backup set, so an operator can tell
// how far an interrupted run got and which sets of an old run are safe
// to hardlink from.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/closingbrace/backupbrace/pkg/util"
)

// StateFileName is the name of the per-run state file.
const StateFileName = "backup.state"

// SetState is the lifecycle state of one backup set within a run.
type SetState string

const (
	StateConfigured    SetState = "configured"
	StateCloning       SetState = "cloning"
	StateCloned        SetState = "cloned"
	StateSynchronizing SetState = "synchronizing"
	StateFinished      SetState = "finished"
	StateFailed        SetState = "failed"
	StateSkipped       SetState = "skipped"
)

// Content is the on-disk structure of the state file.
type Content struct {
	Timestamp time.Time           `json:"timestamp"`
	Sets      map[string]SetState `json:"sets"`
}

// Write persists the state file into runDir. The file is written to a
// temporary name first and renamed into place, so readers never observe
// a partially written state.
func Write(runDir string, content Content) error {
	statePath := filepath.Join(runDir, StateFileName)

	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal run state: %w", err)
	}

	tmp, err := os.CreateTemp(runDir, StateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write state file: %w", err)
	}
	if err := tmp.Chmod(util.UserWritableFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("could not set state file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), statePath); err != nil {
		return fmt.Errorf("could not move state file into place: %w", err)
	}
	return nil
}

// Read opens and parses the state file in runDir. It returns the
// original error from os.Open so callers can test with os.IsNotExist.
func Read(runDir string) (Content, error) {
	statePath := filepath.Join(runDir, StateFileName)
	file, err := os.Open(statePath)
	if err != nil {
		return Content{}, err
	}
	defer file.Close()

	var content Content
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&content); err != nil {
		return Content{}, fmt.Errorf("could not parse state file %s: %w", statePath, err)
	}
	return content, nil
}
