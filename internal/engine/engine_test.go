package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
)

const sampleRecipe = `
local dop = require("dop")

name = "zlib"
version = "1.3.1"
description = "a compression library"
tools = {"cc"}

options = {
  shared = {default = true, description = "build a shared library"},
}

function dependencies(p)
  return {}
end

function build(dirs, config, deps)
  local marker = dop.path(dirs.install, "built.txt")
  dop.mkdir({p = dirs.install, recurse = true})
  local f = io.open(marker, "w")
  f:write(config.profile.host.os)
  f:close()
end
`

func writeRecipe(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "dopamine.lua")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadReadsContract(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, sampleRecipe)

	e := New(nil)
	r, err := e.Load(dir, "dopamine.lua")
	require.NoError(t, err)

	assert.Equal(t, "zlib", r.Name())
	assert.Equal(t, "1.3.1", r.Version())
	assert.Equal(t, []string{"cc"}, r.Tools())
	assert.Contains(t, r.Options(), "shared")
	assert.True(t, r.InTreeSrc())
	assert.True(t, r.HasDependencies())
}

func TestBuildInvokesScript(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, sampleRecipe)

	e := New(nil)
	r, err := e.Load(dir, "dopamine.lua")
	require.NoError(t, err)

	installDir := filepath.Join(dir, "install")
	dirs := recipe.BuildDirs{Root: dir, Src: dir, Build: filepath.Join(dir, "build"), Install: installDir}
	cfg := profile.BuildConfig{
		Profile: profile.New("default", profile.BuildTypeRelease, profile.HostInfo{OS: "linux", Arch: "x86_64"}),
	}

	require.NoError(t, r.Build(context.Background(), dirs, cfg, nil))

	data, err := os.ReadFile(filepath.Join(installDir, "built.txt"))
	require.NoError(t, err)
	assert.Equal(t, "linux", string(data))
}

func TestLightRecipeHasNoBuild(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, `
local dop = require("dop")
function dependencies(p)
  return {zlib = "~>1.3.0"}
end
`)
	e := New(nil)
	r, err := e.Load(dir, "dopamine.lua")
	require.NoError(t, err)
	assert.True(t, r.IsLight())

	deps, err := r.Dependencies(recipe.ResolveConfig{})
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "zlib", deps[0].Name)
}
