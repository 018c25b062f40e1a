// Package recipedir locates a recipe and manages its per-package state:
// the `.dop/` directory, profile/options files, per-build-id install and
// lock paths, and the dependency lock file `dop.lock`.
package recipedir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/profile"
)

const (
	StateDirName    = ".dop"
	RecipeFileName  = "dopamine.lua"
	ProfileFileName = "profile.ini"
	OptionsFileName = "options.json"
	LockFileName    = "lock"
	StateFileName   = "state.json"
	DepLockFileName = "dop.lock"
)

// Dir is an absolute-rooted handle onto a recipe directory: the directory
// containing dopamine.lua plus its `.dop/` state subdirectory.
type Dir struct {
	Root string
}

// Open returns a Dir rooted at root, which must be absolute or is made so
// relative to the current working directory.
func Open(root string) (Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Dir{}, fmt.Errorf("recipedir: resolve %s: %w", root, err)
	}
	return Dir{Root: abs}, nil
}

func (d Dir) RecipeFile() string { return filepath.Join(d.Root, RecipeFileName) }
func (d Dir) StateDir() string   { return filepath.Join(d.Root, StateDirName) }
func (d Dir) ProfilePath() string { return filepath.Join(d.StateDir(), ProfileFileName) }
func (d Dir) OptionsPath() string { return filepath.Join(d.StateDir(), OptionsFileName) }
func (d Dir) RecipeLockPath() string { return filepath.Join(d.StateDir(), LockFileName) }
func (d Dir) StateFilePath() string  { return filepath.Join(d.StateDir(), StateFileName) }
func (d Dir) DepLockPath() string    { return filepath.Join(d.Root, DepLockFileName) }

// InstallDir is the per-build install tree: .dop/<hash>/.
func (d Dir) InstallDir(id buildid.BuildId) string {
	return filepath.Join(d.StateDir(), id.Prefix())
}

// BuildDir is the per-build scratch tree: .dop/<hash>-build/.
func (d Dir) BuildDir(id buildid.BuildId) string {
	return filepath.Join(d.StateDir(), id.Prefix()+"-build")
}

// BuildLockPath is the per-build-id exclusive lock file: .dop/<hash>.lock.
func (d Dir) BuildLockPath(id buildid.BuildId) string {
	return filepath.Join(d.StateDir(), id.Prefix()+".lock")
}

// BuildStatePath is the per-build-id state file: .dop/<hash>-state.json.
func (d Dir) BuildStatePath(id buildid.BuildId) string {
	return filepath.Join(d.StateDir(), id.Prefix()+"-state.json")
}

// EnsureStateDir creates .dop/ if it does not already exist.
func (d Dir) EnsureStateDir() error {
	return os.MkdirAll(d.StateDir(), 0o755)
}

// RecipeLastModified is the recipe script's mtime, against which every
// readiness check is compared.
func (d Dir) RecipeLastModified() (time.Time, error) {
	info, err := os.Stat(d.RecipeFile())
	if err != nil {
		return time.Time{}, fmt.Errorf("recipedir: stat recipe: %w", err)
	}
	return info.ModTime(), nil
}

// BuildState is the persisted record of a completed build: its timestamp.
type BuildState struct {
	BuildTime time.Time `json:"build_time"`
}

// WriteBuildState persists state for buildId, overwriting any existing
// state file atomically.
func (d Dir) WriteBuildState(id buildid.BuildId, state BuildState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	path := d.BuildStatePath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("recipedir: write build state: %w", err)
	}
	return os.Rename(tmp, path)
}

func (d Dir) readBuildState(id buildid.BuildId) (BuildState, error) {
	data, err := os.ReadFile(d.BuildStatePath(id))
	if err != nil {
		return BuildState{}, err
	}
	var s BuildState
	if err := json.Unmarshal(data, &s); err != nil {
		return BuildState{}, err
	}
	return s, nil
}

// CheckSourceReadyResult is the outcome of CheckSourceReady: either a ready
// source path, or a human-readable reason it is not ready.
type CheckSourceReadyResult struct {
	Ready  bool
	Path   string
	Reason string
}

// CheckSourceReady returns the source directory when the recipe is
// in-tree, or when existing source state is newer than the recipe file;
// otherwise it reports a reason string explaining why source() must run.
func (d Dir) CheckSourceReady(inTree bool, srcDir string) (CheckSourceReadyResult, error) {
	if inTree {
		return CheckSourceReadyResult{Ready: true, Path: d.Root}, nil
	}

	recipeModTime, err := d.RecipeLastModified()
	if err != nil {
		return CheckSourceReadyResult{}, err
	}

	info, err := os.Stat(srcDir)
	if err != nil {
		return CheckSourceReadyResult{Reason: "source directory does not exist"}, nil
	}
	if info.ModTime().Before(recipeModTime) {
		return CheckSourceReadyResult{Reason: "source is older than recipe"}, nil
	}
	return CheckSourceReadyResult{Ready: true, Path: srcDir}, nil
}

// CheckBuildReady requires the build's install dir and state file to
// exist, and both the state file's mtime and its recorded build time to
// be strictly newer than the recipe's mtime.
func (d Dir) CheckBuildReady(id buildid.BuildId) (bool, error) {
	recipeModTime, err := d.RecipeLastModified()
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(d.InstallDir(id)); err != nil {
		return false, nil
	}

	statePath := d.BuildStatePath(id)
	stateInfo, err := os.Stat(statePath)
	if err != nil {
		return false, nil
	}
	if !stateInfo.ModTime().After(recipeModTime) {
		return false, nil
	}

	state, err := d.readBuildState(id)
	if err != nil {
		return false, nil
	}
	return state.BuildTime.After(recipeModTime), nil
}

// MergeOptionFile reads the persisted option file, merges it with opts
// (opts taking precedence on conflicting names), and writes the result
// back.
func (d Dir) MergeOptionFile(opts profile.OptionSet) (profile.OptionSet, error) {
	existing, err := d.LoadOptions()
	if err != nil {
		return nil, err
	}
	merged := existing.Merge(opts)

	data, err := merged.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	if err := d.EnsureStateDir(); err != nil {
		return nil, err
	}
	tmp := d.OptionsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("recipedir: write options: %w", err)
	}
	if err := os.Rename(tmp, d.OptionsPath()); err != nil {
		return nil, fmt.Errorf("recipedir: rename options: %w", err)
	}
	return merged, nil
}

// LoadOptions reads the persisted option file, returning an empty set if
// it does not yet exist.
func (d Dir) LoadOptions() (profile.OptionSet, error) {
	data, err := os.ReadFile(d.OptionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return profile.NewOptionSet(), nil
		}
		return nil, fmt.Errorf("recipedir: read options: %w", err)
	}
	return profile.LoadOptionSetJSON(data)
}
