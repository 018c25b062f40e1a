package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestHashStableAcrossEqualProfiles(t *testing.T) {
	p1 := Profile{
		Basename:  "default",
		Name:      "default",
		HostInfo:  HostInfo{OS: "linux", Arch: "x86_64"},
		BuildType: BuildTypeRelease,
		Tools: []Tool{
			{ID: "dc", Name: "ldc2", Version: "1.36.0", Path: "/usr/bin/ldc2"},
			{ID: "cc", Name: "gcc", Version: "13.2.0", Path: "/usr/bin/gcc"},
		},
	}
	// p2 has the same tools in a different order.
	p2 := p1
	p2.Tools = []Tool{p1.Tools[1], p1.Tools[0]}

	d1, err := p1.DigestHash()
	require.NoError(t, err)
	d2, err := p2.DigestHash()
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "tool order must not affect the digest")
}

func TestDigestHashDiffersOnContentChange(t *testing.T) {
	p1 := New("default", BuildTypeRelease, HostInfo{OS: "linux", Arch: "x86_64"})
	p2 := New("default", BuildTypeDebug, HostInfo{OS: "linux", Arch: "x86_64"})

	d1, err := p1.DigestHash()
	require.NoError(t, err)
	d2, err := p2.DigestHash()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.ini")

	p := New("default", BuildTypeRelease, HostInfo{OS: "linux", Arch: "x86_64"})
	p.Tools = []Tool{{ID: "dc", Name: "ldc2", Version: "1.36.0", Path: "/usr/bin/ldc2"}}

	require.NoError(t, Save(path, p, false))
	err := Save(path, p, false)
	assert.Error(t, err, "Save without replaceIfExists must refuse to clobber")
	require.NoError(t, Save(path, p, true))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, p.Basename, loaded.Basename)
	assert.Equal(t, p.Tools[0].ID, loaded.Tools[0].ID)
}

func TestSubsetFiltersToRequestedTools(t *testing.T) {
	p := New("default", BuildTypeRelease, HostInfo{OS: "linux", Arch: "x86_64"})
	p.Tools = []Tool{
		{ID: "dc", Path: "/usr/bin/ldc2"},
		{ID: "cc", Path: "/usr/bin/gcc"},
		{ID: "c++", Path: "/usr/bin/g++"},
	}

	sub := p.Subset([]string{"dc"})
	require.Len(t, sub.Tools, 1)
	assert.Equal(t, "dc", sub.Tools[0].ID)
}

func TestCollectEnvironment(t *testing.T) {
	p := New("default", BuildTypeRelease, HostInfo{OS: "linux", Arch: "x86_64"})
	p.Tools = []Tool{{ID: "dc", Path: "/opt/ldc/bin/ldc2"}}

	env := map[string]string{}
	p.CollectEnvironment(env)
	assert.Equal(t, "/opt/ldc/bin/ldc2", env["DC"])
	assert.Contains(t, env["PATH"], "/opt/ldc/bin")
}

func TestOptionSetNamespacing(t *testing.T) {
	opts := OptionSet{
		"shared":      BoolValue(true),
		"zlib/shared": BoolValue(false),
		"zlib/prefix": StringValue("/usr/local"),
	}

	root := opts.ForRoot()
	assert.Equal(t, BoolValue(true), root["shared"])
	assert.NotContains(t, root, "prefix")

	zlib := opts.ForDependency("zlib")
	assert.Equal(t, BoolValue(false), zlib["shared"])
	assert.Equal(t, StringValue("/usr/local"), zlib["prefix"])

	deps := opts.ForDependencies()
	assert.Equal(t, []string{"zlib"}, deps)

	without := opts.NotFor("zlib")
	assert.Contains(t, without, "shared")
	assert.NotContains(t, without, "zlib/shared")
}

func TestOptionSetConflicts(t *testing.T) {
	a := OptionSet{"shared": BoolValue(true), "prefix": StringValue("/a")}
	b := OptionSet{"shared": BoolValue(false), "prefix": StringValue("/a")}
	conflicts := a.Conflicts(b)
	assert.Equal(t, []string{"shared"}, conflicts)
}

func TestBuildConfigDigestIsDeterministic(t *testing.T) {
	cfg := BuildConfig{
		Profile: New("default", BuildTypeRelease, HostInfo{OS: "linux", Arch: "x86_64"}),
		Options: OptionSet{"shared": BoolValue(true)},
	}
	d1, err := cfg.Digest()
	require.NoError(t, err)
	d2, err := cfg.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}
