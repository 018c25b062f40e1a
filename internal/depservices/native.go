package depservices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dopamine-pm/dop/internal/archive"
	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/config"
	"github.com/dopamine-pm/dop/internal/doperrors"
	"github.com/dopamine-pm/dop/internal/engine"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/recipedir"
	"github.com/dopamine-pm/dop/internal/resolver"
	"github.com/dopamine-pm/dop/internal/semver"
)

// Native is the registry+cache dep-service provider (spec §4.G). It
// satisfies resolver.Services for recipe.ProviderNative nodes.
type Native struct {
	CacheDir     string
	Client       *RegistryClient
	Engine       *engine.Engine
	AllowNetwork bool
	Logger       log.Logger
}

// NewNative returns a Native provider rooted at cfg's cache directory.
func NewNative(cacheDir string, client *RegistryClient, allowNetwork bool, logger log.Logger) *Native {
	if logger == nil {
		logger = log.Default()
	}
	return &Native{
		CacheDir:     cacheDir,
		Client:       client,
		Engine:       engine.New(logger),
		AllowNetwork: allowNetwork,
		Logger:       logger,
	}
}

// AvailableVersions reports every cached (name, version, revision) plus,
// when network access is allowed, the registry's published versions.
// Cache entries are reported as resolver.LocationCache; anything only
// the registry knows about is resolver.LocationNetwork.
func (n *Native) AvailableVersions(ctx context.Context, provider recipe.Provider, name string) ([]resolver.Candidate, error) {
	if provider != recipe.ProviderNative {
		return nil, fmt.Errorf("depservices: native provider cannot serve %s dependencies", provider)
	}

	cached := n.cachedVersions(name)
	cachedSet := make(map[string]bool, len(cached))
	var candidates []resolver.Candidate
	for _, c := range cached {
		cachedSet[c.Version.String()+"+"+c.Revision] = true
		candidates = append(candidates, c)
	}

	if !n.AllowNetwork {
		if len(candidates) == 0 {
			return nil, doperrors.New(doperrors.KindNetworkError, name,
				"no cached versions and network access is disabled (--no-network)", nil)
		}
		return candidates, nil
	}

	entries, err := n.Client.Versions(ctx, name)
	if err != nil {
		if len(candidates) > 0 && config.GetRecipeCacheStaleFallback() {
			n.Logger.Warn("registry unreachable, falling back to cached versions", "name", name, "err", err)
			return candidates, nil
		}
		return nil, err
	}

	for _, e := range entries {
		v, err := semver.Parse(e.Version)
		if err != nil {
			n.Logger.Warn("skipping unparseable registry version", "name", name, "version", e.Version, "err", err)
			continue
		}
		key := e.Version + "+" + e.Revision
		if cachedSet[key] {
			continue
		}
		candidates = append(candidates, resolver.Candidate{
			Version:  v,
			Revision: e.Revision,
			Location: resolver.LocationNetwork,
		})
	}

	return candidates, nil
}

func (n *Native) cachedVersions(name string) []resolver.Candidate {
	var out []resolver.Candidate
	pkgDir := filepath.Join(n.CacheDir, name)
	versionEntries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil
	}
	for _, ve := range versionEntries {
		if !ve.IsDir() {
			continue
		}
		v, err := semver.Parse(ve.Name())
		if err != nil {
			continue
		}
		revDir := filepath.Join(pkgDir, ve.Name())
		revEntries, err := os.ReadDir(revDir)
		if err != nil {
			continue
		}
		for _, re := range revEntries {
			if !re.IsDir() {
				continue
			}
			entryDir := filepath.Join(revDir, re.Name())
			if !cacheFresh(entryDir, !n.AllowNetwork) && !n.AllowNetwork {
				continue
			}
			out = append(out, resolver.Candidate{
				Version:  v,
				Revision: re.Name(),
				Location: resolver.LocationCache,
			})
		}
	}
	return out
}

// PackRecipe returns the loaded recipe for (name, version, revision),
// fetching and extracting its archive into the cache when not already
// present there.
func (n *Native) PackRecipe(ctx context.Context, provider recipe.Provider, name string, version semver.Version, revision string) (recipe.Recipe, error) {
	if provider != recipe.ProviderNative {
		return nil, fmt.Errorf("depservices: native provider cannot serve %s dependencies", provider)
	}

	dir := filepath.Join(n.CacheDir, name, version.String(), revision)
	if _, err := os.Stat(recipePath(dir)); err == nil {
		return n.loadCached(dir, revision)
	}

	if !n.AllowNetwork {
		return nil, doperrors.New(doperrors.KindNetworkError, name,
			fmt.Sprintf("recipe %s@%s (%s) not cached and network access is disabled (--no-network)", name, version, revision), nil)
	}

	data, wantDigest, err := n.Client.RecipeArchive(ctx, name, version.String(), revision)
	if err != nil {
		return nil, err
	}

	if wantDigest == "" {
		return nil, doperrors.New(doperrors.KindIntegrityError, name,
			"registry did not return an X-Digest for the recipe archive; refusing to trust unverified bytes", nil)
	}
	gotDigest := sha256Hex(data)
	if gotDigest != wantDigest {
		return nil, doperrors.New(doperrors.KindIntegrityError, name,
			fmt.Sprintf("recipe archive digest mismatch: registry said %s, got %s", wantDigest, gotDigest), nil)
	}

	tmp, err := os.CreateTemp("", "dop-recipe-*.tar.xz")
	if err != nil {
		return nil, fmt.Errorf("depservices: create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("depservices: write temp archive: %w", err)
	}
	tmp.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("depservices: create cache entry: %w", err)
	}
	if err := archive.Extract(tmp.Name(), dir); err != nil {
		return nil, fmt.Errorf("depservices: extract recipe archive for %s: %w", name, err)
	}
	if err := writeCacheMeta(dir, gotDigest); err != nil {
		n.Logger.Warn("failed to write cache metadata", "name", name, "err", err)
	}

	return n.loadCached(dir, revision)
}

func (n *Native) loadCached(dir, revision string) (recipe.Recipe, error) {
	r, err := n.Engine.Load(dir, recipedir.RecipeFileName)
	if err != nil {
		return nil, err
	}
	r.SetRevision(buildid.RecipeRevision(revision))
	return r, nil
}
