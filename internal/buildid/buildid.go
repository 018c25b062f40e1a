// Package buildid computes the two content hashes that key everything the
// orchestrator persists on disk: RecipeRevision (a fingerprint of a
// recipe's own files) and BuildId (a fingerprint of a specific build of
// that recipe under a specific configuration).
package buildid

import (
	"crypto/sha1" //nolint:gosec // digest, not a security boundary; spec mandates SHA-1
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// RecipeRevision is the first 8 bytes (16 hex chars) of the SHA-1 digest
// over the sorted, de-duplicated set of a recipe's files.
type RecipeRevision string

// ComputeRecipeRevision enumerates recipeFile plus every path in includePaths
// (already relative-to-root), normalizes them, sorts lexicographically,
// removes duplicates, and hashes the concatenation of file bytes in that
// order. Paths are resolved against root to read file content.
func ComputeRecipeRevision(root string, recipeFile string, includePaths []string) (RecipeRevision, error) {
	files := make([]string, 0, len(includePaths)+1)
	files = append(files, filepath.Clean(recipeFile))
	for _, p := range includePaths {
		files = append(files, filepath.Clean(p))
	}

	files = uniqSorted(files)

	h := sha1.New() //nolint:gosec
	for _, rel := range files {
		abs := rel
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, rel)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", fmt.Errorf("buildid: read recipe file %s: %w", abs, err)
		}
		if _, err := h.Write(data); err != nil {
			return "", fmt.Errorf("buildid: hash %s: %w", abs, err)
		}
	}

	sum := h.Sum(nil)
	return RecipeRevision(fmt.Sprintf("%x", sum[:8])), nil
}

func uniqSorted(paths []string) []string {
	sort.Strings(paths)
	out := paths[:0:0]
	var last string
	for i, p := range paths {
		if i == 0 || p != last {
			out = append(out, p)
			last = p
		}
	}
	return out
}

// BuildId is the 160-bit (SHA-1) identity of a specific build. The first
// 10 bytes (20 hex chars), via Prefix, name the on-disk artifact directory.
type BuildId string

// Compute returns the BuildId for (name, version, revision, configDigest,
// stageDest). stageDest is optional; pass "" when staging to the default
// location so the id matches in-place installs.
func Compute(name, version string, revision RecipeRevision, configDigest string, stageDest string) (BuildId, error) {
	h := sha1.New() //nolint:gosec
	parts := []string{name, version, string(revision), configDigest}
	if stageDest != "" {
		parts = append(parts, stageDest)
	}
	for i, p := range parts {
		if i > 0 {
			if _, err := h.Write([]byte{0}); err != nil {
				return "", err
			}
		}
		if _, err := h.Write([]byte(p)); err != nil {
			return "", fmt.Errorf("buildid: hash component %d: %w", i, err)
		}
	}
	sum := h.Sum(nil)
	return BuildId(fmt.Sprintf("%x", sum)), nil
}

// Prefix returns the first 20 hex characters (10 bytes) used as the
// on-disk directory prefix for this build's artifacts.
func (b BuildId) Prefix() string {
	s := string(b)
	if len(s) < 20 {
		return s
	}
	return s[:20]
}

func (b BuildId) String() string { return string(b) }
