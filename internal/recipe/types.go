// Package recipe defines the contract a loaded recipe exposes to the rest
// of the system: identity, predicates, and the operations the resolver
// and orchestrator call into. Concrete recipes are produced by
// internal/engine (native, script-backed) or internal/depservices (alien,
// synthesized from a foreign ecosystem's own metadata).
package recipe

import (
	"context"
	"fmt"

	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/semver"
)

// Provider distinguishes where a dependency's recipe comes from.
type Provider string

const (
	ProviderNative Provider = "native"
	ProviderAlien  Provider = "alien"
)

// OptionSpec describes one option a recipe declares: its default value and
// a human-readable description.
type OptionSpec struct {
	Default     profile.OptionValue
	Description string
}

// DepSpec is one declared dependency edge: a name, a version predicate, the
// provider that should resolve it, and any options to forward.
type DepSpec struct {
	Name     string
	Spec     semver.Spec
	Provider Provider
	Options  profile.OptionSet
}

// ResolveConfig carries the context a recipe's dependencies() function (or
// table) is evaluated against: host platform, build type, the effective
// option set, and which providers are enabled.
type ResolveConfig struct {
	Host           profile.HostInfo
	BuildType      profile.BuildType
	Options        profile.OptionSet
	AllowSystem    bool
	AllowCache     bool
	AllowNetwork   bool
}

// BuildDirs are the absolute paths a recipe's build() function operates
// under.
type BuildDirs struct {
	Root    string
	Src     string
	Build   string
	Install string
}

// DepInfo is what a recipe sees about each resolved dependency when its
// build() function runs.
type DepInfo struct {
	InstallDir string
}

// Recipe is an opaque handle to a loaded recipe. Implementations are
// produced by internal/engine (backed by an interpreted dopamine.lua
// script) or synthesized by internal/depservices for alien packages.
type Recipe interface {
	// Root is the absolute path to the recipe's own directory (where its
	// dopamine.lua or synthesized manifest lives), used by the orchestrator
	// to locate per-recipe state: locks, build state, and the default
	// in-tree source directory.
	Root() string

	Name() string
	Version() string
	Description() string
	License() string
	UpstreamURL() string
	Tools() []string
	Options() map[string]OptionSpec

	// Revision is assigned by internal/buildid once the recipe's files are
	// known; it is empty until SetRevision is called.
	Revision() buildid.RecipeRevision
	SetRevision(buildid.RecipeRevision)

	// IsLight recipes declare only dependencies (no build/source/stage).
	IsLight() bool
	// IsAlien recipes are synthesized wrappers over a foreign ecosystem.
	IsAlien() bool
	// InTreeSrc is true when source() is the recipe directory itself
	// (the default when no source is declared).
	InTreeSrc() bool
	HasDependencies() bool
	// CanStage is false when the recipe sets stage=false, forcing a
	// rebuild straight into the destination instead of staging a copy.
	CanStage() bool

	Dependencies(cfg ResolveConfig) ([]DepSpec, error)
	// Source ensures the source directory exists (fetching if necessary)
	// and returns its absolute path.
	Source(ctx context.Context, root string) (string, error)
	// Include lists extra files (relative to the recipe directory) that
	// are part of the recipe's content for revision/archive purposes.
	Include() ([]string, error)
	Build(ctx context.Context, dirs BuildDirs, cfg profile.BuildConfig, deps map[string]DepInfo) error
	// Stage copies (or otherwise produces) the install tree at dst from
	// src. Only called when CanStage() is true.
	Stage(ctx context.Context, src, dst string) error
}

// Handle is a lightweight, comparable identifier for a recipe instance,
// useful for logging and map keys: (name, provider).
type Handle struct {
	Name     string
	Provider Provider
}

func (h Handle) String() string { return fmt.Sprintf("%s(%s)", h.Name, h.Provider) }
