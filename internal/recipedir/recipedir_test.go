package recipedir

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/profile"
)

func newTestDir(t *testing.T) Dir {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, RecipeFileName), []byte("-- recipe"), 0o644))
	d, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, d.EnsureStateDir())
	return d
}

func TestCheckSourceReadyInTree(t *testing.T) {
	d := newTestDir(t)
	res, err := d.CheckSourceReady(true, "")
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, d.Root, res.Path)
}

func TestCheckSourceReadyMissingDir(t *testing.T) {
	d := newTestDir(t)
	res, err := d.CheckSourceReady(false, filepath.Join(d.Root, "src"))
	require.NoError(t, err)
	assert.False(t, res.Ready)
	assert.NotEmpty(t, res.Reason)
}

func TestCheckBuildReadyRequiresFreshState(t *testing.T) {
	d := newTestDir(t)
	id := buildid.BuildId("0123456789abcdef0123456789abcdef01234567")

	ready, err := d.CheckBuildReady(id)
	require.NoError(t, err)
	assert.False(t, ready, "no install dir yet")

	require.NoError(t, os.MkdirAll(d.InstallDir(id), 0o755))
	require.NoError(t, d.WriteBuildState(id, BuildState{BuildTime: time.Now().Add(time.Hour)}))

	ready, err = d.CheckBuildReady(id)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestMergeOptionFilePrecedence(t *testing.T) {
	d := newTestDir(t)
	_, err := d.MergeOptionFile(profile.OptionSet{"shared": profile.BoolValue(true)})
	require.NoError(t, err)

	merged, err := d.MergeOptionFile(profile.OptionSet{"shared": profile.BoolValue(false), "prefix": profile.StringValue("/usr")})
	require.NoError(t, err)
	assert.Equal(t, profile.BoolValue(false), merged["shared"])
	assert.Equal(t, profile.StringValue("/usr"), merged["prefix"])
}

func TestTryAcquireLock(t *testing.T) {
	d := newTestDir(t)
	path := d.RecipeLockPath()

	lock, ok, err := TryAcquire(path)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := TryAcquire(path)
	require.NoError(t, err)
	assert.False(t, ok2, "second acquire must fail while first holds the lock")

	require.NoError(t, lock.Release())

	lock2, ok3, err := TryAcquire(path)
	require.NoError(t, err)
	assert.True(t, ok3)
	require.NoError(t, lock2.Release())
}
