// Package config loads and validates the program's JSON configuration
// file. The file format is versioned; this program supports any 2.x
// version.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/closingbrace/backupbrace/pkg/plog"
	"github.com/closingbrace/backupbrace/pkg/util"
)

// DefaultPath is the configuration file read when no -c/--config flag
// is given.
const DefaultPath = "/etc/backupbrace.conf"

// Set type strings accepted in the configuration file.
const (
	TypeLocalDir  = "local dir"
	TypeRemoteDir = "remote dir"
)

// SetConfig describes one backup set: a named source-to-destination
// mapping within a run.
type SetConfig struct {
	Name        string   `json:"set-name"`
	Type        string   `json:"type"`
	SourceDir   string   `json:"source-dir"`
	SkipEntries []string `json:"skip-entries,omitempty"`
	// RemoteShell and RemoteHost are required when Type is "remote dir".
	RemoteShell string `json:"remote-shell,omitempty"`
	RemoteHost  string `json:"remote-host,omitempty"`
}

// Config is the program's configuration, read from a single JSON file.
type Config struct {
	Version   string      `json:"version"`
	BackupDir string      `json:"backup-dir"`
	Sets      []SetConfig `json:"backup-sets"`
	// MaxParallelSets bounds how many backup sets are processed at the
	// same time. The default of 1 processes sets sequentially in
	// declaration order.
	MaxParallelSets int `json:"max-parallel-sets,omitempty"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not open configuration file %s: %w", path, err)
	}
	defer file.Close()

	plog.Debug("Loading configuration", "path", path)

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse configuration file %s: %w", path, err)
	}
	if cfg.MaxParallelSets == 0 {
		cfg.MaxParallelSets = 1
	}
	return cfg, nil
}

// Validate checks the configuration for logical errors. Existence of
// the backup directory is a run precondition checked by the engine, not
// here, so that the same configuration can be inspected on a machine
// where the backup disk is not mounted.
func (c *Config) Validate() error {
	if err := checkVersion(c.Version); err != nil {
		return err
	}

	if c.BackupDir == "" {
		return fmt.Errorf("backup-dir cannot be empty")
	}
	expanded, err := util.ExpandPath(c.BackupDir)
	if err != nil {
		return fmt.Errorf("could not expand backup-dir: %w", err)
	}
	c.BackupDir = filepath.Clean(expanded)

	if c.MaxParallelSets < 1 {
		return fmt.Errorf("max-parallel-sets must be at least 1")
	}

	if len(c.Sets) == 0 {
		return fmt.Errorf("backup-sets cannot be empty")
	}
	seen := make(map[string]struct{}, len(c.Sets))
	for i := range c.Sets {
		if err := validateSet(&c.Sets[i]); err != nil {
			return err
		}
		if _, dup := seen[c.Sets[i].Name]; dup {
			return fmt.Errorf("duplicate set-name %q", c.Sets[i].Name)
		}
		seen[c.Sets[i].Name] = struct{}{}
	}
	return nil
}

// checkVersion verifies that the configuration format version is a
// supported 2.x version.
func checkVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing configuration parameter 'version'")
	}
	major, _, found := strings.Cut(version, ".")
	if !found {
		return fmt.Errorf("could not parse configuration version %q", version)
	}
	majorNum, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("could not parse configuration version %q: %w", version, err)
	}
	if majorNum != 2 {
		return fmt.Errorf("configuration file format not supported: found version %s, only supporting versions 2.x", version)
	}
	return nil
}

// validateSet checks a single backup set definition.
func validateSet(set *SetConfig) error {
	if set.Name == "" {
		return fmt.Errorf("set-name cannot be empty")
	}
	// The set name becomes a subdirectory of the run directory.
	if strings.ContainsAny(set.Name, `/\`) {
		return fmt.Errorf("set-name %q cannot contain path separators", set.Name)
	}
	if set.SourceDir == "" {
		return fmt.Errorf("set %q: source-dir cannot be empty", set.Name)
	}

	switch set.Type {
	case TypeLocalDir:
		if set.RemoteShell != "" || set.RemoteHost != "" {
			return fmt.Errorf("set %q: remote-shell and remote-host are only valid for type '%s'", set.Name, TypeRemoteDir)
		}
		expanded, err := util.ExpandPath(set.SourceDir)
		if err != nil {
			return fmt.Errorf("set %q: could not expand source-dir: %w", set.Name, err)
		}
		set.SourceDir = filepath.Clean(expanded)
		if !filepath.IsAbs(set.SourceDir) {
			return fmt.Errorf("set %q: source-dir must be an absolute path", set.Name)
		}
	case TypeRemoteDir:
		if set.RemoteShell == "" {
			return fmt.Errorf("set %q: remote-shell is required for type '%s'", set.Name, TypeRemoteDir)
		}
		if set.RemoteHost == "" {
			return fmt.Errorf("set %q: remote-host is required for type '%s'", set.Name, TypeRemoteDir)
		}
	case "":
		return fmt.Errorf("set %q: type cannot be empty", set.Name)
	default:
		return fmt.Errorf("set %q: unknown type %q (expected '%s' or '%s')", set.Name, set.Type, TypeLocalDir, TypeRemoteDir)
	}
	return nil
}

// LogSummary prints a short summary of the configuration to the log.
func (c *Config) LogSummary() {
	logArgs := []any{
		"backup_dir", c.BackupDir,
		"sets", len(c.Sets),
	}
	if c.MaxParallelSets > 1 {
		logArgs = append(logArgs, "max_parallel_sets", c.MaxParallelSets)
	}
	for _, set := range c.Sets {
		summary := fmt.Sprintf("%s %s", set.Type, set.SourceDir)
		if set.Type == TypeRemoteDir {
			summary = fmt.Sprintf("%s %s:%s", set.Type, set.RemoteHost, set.SourceDir)
		}
		if len(set.SkipEntries) > 0 {
			summary += fmt.Sprintf(" (skip: %s)", strings.Join(set.SkipEntries, ", "))
		}
		logArgs = append(logArgs, "set_"+set.Name, summary)
	}
	plog.Info("Configuration loaded", logArgs...)
}
