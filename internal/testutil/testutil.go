// Package testutil provides small helpers shared across package tests:
// scratch directories, a populated client Config, and file assertions.
package testutil

import (
	"os"
	"testing"

	"github.com/dopamine-pm/dop/internal/config"
)

// TempDir creates a temporary directory and returns a cleanup function
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dop-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() { os.RemoveAll(dir) }
}

// NewTestConfig creates a client Config rooted at a temporary directory,
// with every directory it references already created.
func NewTestConfig(t *testing.T) (*config.Config, func()) {
	t.Helper()
	tmpDir, cleanup := TempDir(t)

	cfg := &config.Config{
		HomeDir:         tmpDir,
		CacheDir:        tmpDir + "/cache",
		CredentialsFile: tmpDir + "/credentials.json",
		KeyCacheDir:     tmpDir + "/cache/keys",
		ConfigFile:      tmpDir + "/config.toml",
	}

	if err := cfg.EnsureDirectories(); err != nil {
		cleanup()
		t.Fatalf("failed to create config directories: %v", err)
	}

	return cfg, cleanup
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AssertFileExists checks if a file exists at the given path
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if !FileExists(path) {
		t.Errorf("file does not exist: %s", path)
	}
}

// AssertFileNotExists checks if a file does NOT exist at the given path
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	if FileExists(path) {
		t.Errorf("file should not exist: %s", path)
	}
}
