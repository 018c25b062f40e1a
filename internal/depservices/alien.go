package depservices

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/dopamine-pm/dop/internal/alien"
	"github.com/dopamine-pm/dop/internal/archive"
	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/doperrors"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/recipedir"
	"github.com/dopamine-pm/dop/internal/resolver"
	"github.com/dopamine-pm/dop/internal/semver"
)

const (
	// alienManifestAsset is the release asset name the alien adapter reads
	// a package's own metadata from.
	alienManifestAsset = "dop-alien.json"
)

// Alien wraps GitHub releases as a foreign package ecosystem: each
// release tag is a version, and a `dop-alien.json` release asset carries
// the package's own declared source lists, include dirs, and
// dependencies (spec §4.G, §4.J).
type Alien struct {
	client   *gogithub.Client
	CacheDir string
	Logger   log.Logger
}

// NewAlien returns an Alien provider. token is an optional GitHub token to
// raise the unauthenticated API rate limit.
func NewAlien(cacheDir, token string, logger log.Logger) *Alien {
	if logger == nil {
		logger = log.Default()
	}
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), ts)
	}
	return &Alien{
		client:   gogithub.NewClient(hc),
		CacheDir: cacheDir,
		Logger:   logger,
	}
}

// ownerRepo splits a dop package name of the form "owner/repo" (the
// alien provider's naming convention, distinct from native's flat
// namespace) into its GitHub coordinates.
func ownerRepo(name string) (owner, repo string, err error) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("depservices: alien package name %q must be owner/repo", name)
	}
	return parts[0], parts[1], nil
}

// AvailableVersions lists every semver-parseable release tag for an alien
// package, at resolver.LocationNetwork (alien packages are never cached
// by version list, only by extracted archive).
func (a *Alien) AvailableVersions(ctx context.Context, provider recipe.Provider, name string) ([]resolver.Candidate, error) {
	if provider != recipe.ProviderAlien {
		return nil, fmt.Errorf("depservices: alien provider cannot serve %s dependencies", provider)
	}
	owner, repo, err := ownerRepo(name)
	if err != nil {
		return nil, err
	}

	var candidates []resolver.Candidate
	for page := 1; page <= 5; page++ {
		releases, _, err := a.client.Repositories.ListReleases(ctx, owner, repo, &gogithub.ListOptions{Page: page, PerPage: 100})
		if err != nil {
			return nil, doperrors.New(doperrors.KindNetworkError, name, fmt.Sprintf("list GitHub releases: %v", err), err)
		}
		if len(releases) == 0 {
			break
		}
		for _, rel := range releases {
			if rel.TagName == nil {
				continue
			}
			v, err := semver.Parse(strings.TrimPrefix(*rel.TagName, "v"))
			if err != nil {
				continue
			}
			candidates = append(candidates, resolver.Candidate{
				Version:  v,
				Revision: *rel.TagName,
				Location: resolver.LocationNetwork,
			})
		}
	}

	if len(candidates) == 0 {
		return nil, doperrors.New(doperrors.KindResourceNotFound, name, "no tagged releases found", nil)
	}
	return candidates, nil
}

// PackRecipe downloads (or reuses a cached copy of) the release's source
// tarball and dop-alien.json manifest for (name, version, revision),
// returning a synthesized recipe.Recipe.
func (a *Alien) PackRecipe(ctx context.Context, provider recipe.Provider, name string, version semver.Version, revision string) (recipe.Recipe, error) {
	if provider != recipe.ProviderAlien {
		return nil, fmt.Errorf("depservices: alien provider cannot serve %s dependencies", provider)
	}
	owner, repo, err := ownerRepo(name)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(a.CacheDir, "alien", name, version.String(), revision)
	manifestFile := filepath.Join(dir, alienManifestAsset)

	if _, err := os.Stat(manifestFile); err != nil {
		if err := a.fetchRelease(ctx, owner, repo, revision, dir); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("depservices: read alien manifest: %w", err)
	}
	manifest, err := alien.ParseManifest(data)
	if err != nil {
		return nil, doperrors.New(doperrors.KindRecipeError, name, "invalid dop-alien.json", err)
	}

	r := &alienRecipe{
		manifest: manifest,
		srcDir:   dir,
		name:     name,
	}
	r.SetRevision(buildid.RecipeRevision(revision))
	return r, nil
}

func (a *Alien) fetchRelease(ctx context.Context, owner, repo, tag, dir string) error {
	rel, _, err := a.client.Repositories.GetReleaseByTag(ctx, owner, repo, tag)
	if err != nil {
		return doperrors.New(doperrors.KindNetworkError, owner+"/"+repo, fmt.Sprintf("get release %s: %v", tag, err), err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("depservices: create alien cache dir: %w", err)
	}

	var manifestURL, tarballURL string
	for _, asset := range rel.Assets {
		if asset.Name != nil && *asset.Name == alienManifestAsset && asset.BrowserDownloadURL != nil {
			manifestURL = *asset.BrowserDownloadURL
		}
		if asset.Name != nil && strings.HasSuffix(*asset.Name, ".tar.gz") && asset.BrowserDownloadURL != nil {
			tarballURL = *asset.BrowserDownloadURL
		}
	}
	if manifestURL == "" {
		return doperrors.New(doperrors.KindResourceNotFound, owner+"/"+repo,
			fmt.Sprintf("release %s has no %s asset", tag, alienManifestAsset), nil)
	}

	if err := downloadFile(ctx, manifestURL, filepath.Join(dir, alienManifestAsset)); err != nil {
		return err
	}

	if tarballURL != "" {
		tmp, err := os.CreateTemp("", "dop-alien-*.tar.gz")
		if err != nil {
			return fmt.Errorf("depservices: create temp tarball: %w", err)
		}
		defer os.Remove(tmp.Name())
		tmp.Close()
		if err := downloadFile(ctx, tarballURL, tmp.Name()); err != nil {
			return err
		}
		if err := archive.Extract(tmp.Name(), dir); err != nil {
			return fmt.Errorf("depservices: extract alien source tarball: %w", err)
		}
	}

	return nil
}

func downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("depservices: build download request: %w", err)
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return doperrors.New(doperrors.KindNetworkError, "", err.Error(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return doperrors.New(doperrors.KindNetworkError, "", fmt.Sprintf("download %s: status %d", url, resp.StatusCode), nil)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("depservices: create %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("depservices: write %s: %w", dest, err)
	}
	return nil
}

// alienRecipe is the recipe.Recipe synthesized from a foreign package's
// own dop-alien.json metadata.
type alienRecipe struct {
	manifest alien.Manifest
	srcDir   string
	name     string
	revision buildid.RecipeRevision
}

func (r *alienRecipe) Root() string        { return r.srcDir }
func (r *alienRecipe) Name() string        { return r.name }
func (r *alienRecipe) Version() string     { return r.manifest.Version }
func (r *alienRecipe) Description() string { return r.manifest.Description }
func (r *alienRecipe) License() string     { return r.manifest.License }
func (r *alienRecipe) UpstreamURL() string { return "" }
func (r *alienRecipe) Tools() []string     { return []string{"cc", "ar"} }
func (r *alienRecipe) Options() map[string]recipe.OptionSpec { return nil }

func (r *alienRecipe) Revision() buildid.RecipeRevision { return r.revision }
func (r *alienRecipe) SetRevision(rev buildid.RecipeRevision) { r.revision = rev }

func (r *alienRecipe) IsLight() bool         { return false }
func (r *alienRecipe) IsAlien() bool         { return true }
func (r *alienRecipe) InTreeSrc() bool       { return true }
func (r *alienRecipe) HasDependencies() bool { return len(r.manifest.Dependencies) > 0 }
func (r *alienRecipe) CanStage() bool        { return true }

func (r *alienRecipe) Dependencies(cfg recipe.ResolveConfig) ([]recipe.DepSpec, error) {
	specs := make([]recipe.DepSpec, 0, len(r.manifest.Dependencies))
	for _, dep := range r.manifest.Dependencies {
		spec, err := semver.ParseSpec(dep.Spec)
		if err != nil {
			return nil, fmt.Errorf("alien recipe %s: dependency %s: %w", r.name, dep.Name, err)
		}
		specs = append(specs, recipe.DepSpec{
			Name:     dep.Name,
			Spec:     spec,
			Provider: recipe.ProviderAlien,
		})
	}
	return specs, nil
}

func (r *alienRecipe) Source(ctx context.Context, root string) (string, error) {
	return r.srcDir, nil
}

func (r *alienRecipe) Include() ([]string, error) {
	return []string{alienManifestAsset}, nil
}

// Build generates the ninja plan and pkg-config file from the alien
// manifest and invokes ninja as an external build driver, matching the
// non-goal that compilation itself is always delegated to a subprocess.
func (r *alienRecipe) Build(ctx context.Context, dirs recipe.BuildDirs, cfg profile.BuildConfig, deps map[string]recipe.DepInfo) error {
	plan := alien.GeneratePlan(r.manifest, dirs.Src, dirs.Build)

	if err := os.MkdirAll(dirs.Build, 0o755); err != nil {
		return fmt.Errorf("alien recipe %s: create build dir: %w", r.name, err)
	}
	ninjaFile := filepath.Join(dirs.Build, "build.ninja")
	if err := os.WriteFile(ninjaFile, []byte(alien.WriteNinja(plan)), 0o644); err != nil {
		return fmt.Errorf("alien recipe %s: write build.ninja: %w", r.name, err)
	}

	if err := runNinja(ctx, dirs.Build); err != nil {
		return doperrors.New(doperrors.KindIOError, r.name, "ninja build failed", err)
	}

	libDir := filepath.Join(dirs.Install, "lib")
	incDir := filepath.Join(dirs.Install, "include", r.name)
	pcDir := filepath.Join(libDir, "pkgconfig")
	for _, d := range []string{libDir, incDir, pcDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("alien recipe %s: create install dir %s: %w", r.name, d, err)
		}
	}

	builtLib := filepath.Join(dirs.Build, plan.TargetLib)
	if data, err := os.ReadFile(builtLib); err == nil {
		if err := os.WriteFile(filepath.Join(libDir, plan.TargetLib), data, 0o644); err != nil {
			return fmt.Errorf("alien recipe %s: install library: %w", r.name, err)
		}
	}

	pc := alien.GeneratePkgConfig(r.manifest, dirs.Install)
	pcPath := filepath.Join(pcDir, r.name+".pc")
	if err := os.WriteFile(pcPath, []byte(pc), 0o644); err != nil {
		return fmt.Errorf("alien recipe %s: write pkg-config file: %w", r.name, err)
	}

	return nil
}

func (r *alienRecipe) Stage(ctx context.Context, src, dst string) error {
	return recipedir.CopyTree(src, dst)
}

// runNinja invokes ninja as the external build driver for the generated
// plan; dop never compiles sources itself (spec non-goal).
func runNinja(ctx context.Context, buildDir string) error {
	cmd := exec.CommandContext(ctx, "ninja", "-C", buildDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ninja: %w\n%s", err, out)
	}
	return nil
}
