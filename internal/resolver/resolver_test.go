package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/doperrors"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/semver"
)

// fakeRecipe is a minimal recipe.Recipe stub for resolver tests: only the
// methods the resolver actually calls need real behavior.
type fakeRecipe struct {
	name    string
	version string
	deps    []recipe.DepSpec
}

func (f *fakeRecipe) Root() string                     { return "/recipes/" + f.name }
func (f *fakeRecipe) Name() string                     { return f.name }
func (f *fakeRecipe) Version() string                  { return f.version }
func (f *fakeRecipe) Description() string              { return "" }
func (f *fakeRecipe) License() string                  { return "" }
func (f *fakeRecipe) UpstreamURL() string               { return "" }
func (f *fakeRecipe) Tools() []string                  { return nil }
func (f *fakeRecipe) Options() map[string]recipe.OptionSpec { return nil }
func (f *fakeRecipe) Revision() buildid.RecipeRevision { return "deadbeef" }
func (f *fakeRecipe) SetRevision(buildid.RecipeRevision) {}
func (f *fakeRecipe) IsLight() bool                    { return false }
func (f *fakeRecipe) IsAlien() bool                    { return false }
func (f *fakeRecipe) InTreeSrc() bool                  { return true }
func (f *fakeRecipe) HasDependencies() bool            { return len(f.deps) > 0 }
func (f *fakeRecipe) CanStage() bool                   { return true }
func (f *fakeRecipe) Dependencies(recipe.ResolveConfig) ([]recipe.DepSpec, error) {
	return f.deps, nil
}
func (f *fakeRecipe) Source(context.Context, string) (string, error) { return "", nil }
func (f *fakeRecipe) Include() ([]string, error)                     { return nil, nil }
func (f *fakeRecipe) Build(context.Context, recipe.BuildDirs, profile.BuildConfig, map[string]recipe.DepInfo) error {
	return nil
}
func (f *fakeRecipe) Stage(context.Context, string, string) error { return nil }

type fakeServices struct {
	versions map[string][]Candidate
	recipes  map[string]*fakeRecipe
}

func (s *fakeServices) AvailableVersions(_ context.Context, _ recipe.Provider, name string) ([]Candidate, error) {
	return s.versions[name], nil
}

func (s *fakeServices) PackRecipe(_ context.Context, _ recipe.Provider, name string, version semver.Version, _ string) (recipe.Recipe, error) {
	r := s.recipes[name]
	return &fakeRecipe{name: r.name, version: version.String(), deps: r.deps}, nil
}

func TestResolveSimpleChain(t *testing.T) {
	root := &fakeRecipe{
		name: "app", version: "1.0.0",
		deps: []recipe.DepSpec{{Name: "zlib", Spec: semver.MustParseSpec(">=1.2.0"), Provider: recipe.ProviderNative}},
	}
	svc := &fakeServices{
		versions: map[string][]Candidate{
			"zlib": {
				{Version: semver.MustParse("1.2.11"), Revision: "aa", Location: LocationSystem},
				{Version: semver.MustParse("1.3.1"), Revision: "bb", Location: LocationNetwork},
			},
		},
		recipes: map[string]*fakeRecipe{"zlib": {name: "zlib", version: "1.3.1"}},
	}

	g, err := Resolve(context.Background(), root, svc, Config{Mode: PreferSystem, System: SystemAllow})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)

	assert.Equal(t, "zlib", g.Nodes[0].Name, "dependency must precede the root in topological order")
	assert.Equal(t, "app", g.Nodes[1].Name)
	assert.Equal(t, "1.2.11", g.Nodes[0].Version.String(), "preferSystem picks the highest system-available version")
	assert.Equal(t, LocationSystem, g.Nodes[0].Location)
}

func TestResolvePickHighestIgnoresLocation(t *testing.T) {
	root := &fakeRecipe{
		name: "app", version: "1.0.0",
		deps: []recipe.DepSpec{{Name: "zlib", Spec: semver.Any, Provider: recipe.ProviderNative}},
	}
	svc := &fakeServices{
		versions: map[string][]Candidate{
			"zlib": {
				{Version: semver.MustParse("1.2.11"), Revision: "aa", Location: LocationSystem},
				{Version: semver.MustParse("1.3.1"), Revision: "bb", Location: LocationNetwork},
			},
		},
		recipes: map[string]*fakeRecipe{"zlib": {name: "zlib", version: "1.3.1"}},
	}

	g, err := Resolve(context.Background(), root, svc, Config{Mode: PickHighest, System: SystemAllow})
	require.NoError(t, err)
	n, ok := g.ByName("zlib")
	require.True(t, ok)
	assert.Equal(t, "1.3.1", n.Version.String())
}

func TestResolveUnsatisfiable(t *testing.T) {
	root := &fakeRecipe{
		name: "app", version: "1.0.0",
		deps: []recipe.DepSpec{{Name: "zlib", Spec: semver.MustParseSpec(">=9.0.0"), Provider: recipe.ProviderNative}},
	}
	svc := &fakeServices{
		versions: map[string][]Candidate{"zlib": {{Version: semver.MustParse("1.3.1"), Location: LocationSystem}}},
		recipes:  map[string]*fakeRecipe{"zlib": {name: "zlib", version: "1.3.1"}},
	}

	_, err := Resolve(context.Background(), root, svc, Config{Mode: PreferSystem, System: SystemAllow})
	require.Error(t, err)
	var uc *doperrors.UnsatisfiableConstraint
	require.ErrorAs(t, err, &uc)
	assert.Equal(t, "zlib", uc.Name)
}

func TestLockFileRoundTrip(t *testing.T) {
	g := Graph{Nodes: []Node{{
		Name: "zlib", Provider: recipe.ProviderNative, Version: semver.MustParse("1.3.1"),
		Revision: "aa", Location: LocationSystem, IncomingSpec: []string{">=1.2.0"},
		Options: profile.OptionSet{"shared": profile.BoolValue(true)},
	}}}

	lf := g.ToLockFile()
	assert.Equal(t, LockSchemaVersion, lf.SchemaVersion)
	require.Len(t, lf.Nodes, 1)
	assert.Equal(t, "system", lf.Nodes[0].Location)
	assert.Equal(t, "true", lf.Nodes[0].Options["shared"])
}
