package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dopamine.lua"), []byte("-- recipe"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "file.txt"), []byte("hello"), 0o644))
	return dir
}

func TestCreateExtractRoundTrip(t *testing.T) {
	src := writeTestTree(t)
	workdir := t.TempDir()
	archivePath := filepath.Join(workdir, "pkg-1.0.0-abcdef01.tar.xz")

	digest, err := Create(archivePath, src)
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	outDir := filepath.Join(workdir, "out")
	require.NoError(t, Extract(archivePath, outDir))

	data, err := os.ReadFile(filepath.Join(outDir, "sub", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCreateDigestMatchesArchiveBytes(t *testing.T) {
	src := writeTestTree(t)
	workdir := t.TempDir()
	archivePath := filepath.Join(workdir, "pkg.tar.xz")

	digest, err := Create(archivePath, src)
	require.NoError(t, err)

	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.NotEmpty(t, digest)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	assert.False(t, isPathWithinDirectory("/tmp/out/../../etc/passwd", "/tmp/out"))
	assert.True(t, isPathWithinDirectory("/tmp/out/sub/file", "/tmp/out"))
}

func TestValidateSymlinkTargetRejectsEscape(t *testing.T) {
	err := validateSymlinkTarget("../../etc/passwd", "/tmp/out/link", "/tmp/out")
	assert.Error(t, err)

	err = validateSymlinkTarget("sibling.txt", "/tmp/out/link", "/tmp/out")
	assert.NoError(t, err)

	err = validateSymlinkTarget("/etc/passwd", "/tmp/out/link", "/tmp/out")
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatTarXZ, DetectFormat("a.tar.xz"))
	assert.Equal(t, FormatTarGZ, DetectFormat("a.tar.gz"))
	assert.Equal(t, FormatTarZstd, DetectFormat("a.tar.zst"))
	assert.Equal(t, FormatTarLzip, DetectFormat("a.tar.lz"))
	assert.Equal(t, FormatTar, DetectFormat("a.tar"))
	assert.Equal(t, FormatTarXZ, DetectFormat("a.unknown"))
}

func TestRegularFilesLists(t *testing.T) {
	src := writeTestTree(t)
	workdir := t.TempDir()
	archivePath := filepath.Join(workdir, "pkg.tar.xz")
	_, err := Create(archivePath, src)
	require.NoError(t, err)

	entries, err := RegularFiles(archivePath)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Path)
	}
	assert.Contains(t, names, "dopamine.lua")
	assert.Contains(t, names, "sub/file.txt")
}
