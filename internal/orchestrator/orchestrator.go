// Package orchestrator walks a resolved dependency graph and drives each
// node through source, build, and stage in topological order: exactly one
// recipe invocation in flight at a time, coordinated across processes by
// the per-build file lock in internal/recipedir.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/doperrors"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/recipedir"
	"github.com/dopamine-pm/dop/internal/resolver"
)

// Config carries the host profile to build under, the destination the
// root node stages to (empty for a plain build with no staging), and
// whether up-to-date nodes should be rebuilt anyway.
type Config struct {
	Profile profile.Profile
	Dest    string
	Force   bool
}

// Orchestrator drives one resolved graph's nodes through build and stage.
type Orchestrator struct {
	logger log.Logger
}

// New returns an Orchestrator. logger may be nil, in which case the
// package default logger is used.
func New(logger log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{logger: logger}
}

// NodeResult records the outcome of one node's build/stage.
type NodeResult struct {
	Name       string
	Skipped    bool
	BuildId    buildid.BuildId
	InstallDir string
	StageDir   string
}

// Result is the outcome of running an entire graph.
type Result struct {
	Nodes []NodeResult
}

// Run builds and stages every node in g, in the order g already carries
// (the resolver topologically sorts before returning). deps, the
// already-staged install directories for a node's dependencies, grows as
// each node completes so later nodes can see it via recipe.DepInfo.
func (o *Orchestrator) Run(ctx context.Context, g resolver.Graph, cfg Config) (Result, error) {
	deps := make(map[string]recipe.DepInfo, len(g.Nodes))
	var result Result

	for i, node := range g.Nodes {
		// The resolver's topological sort appends post-order, so the root
		// (the node every other node ultimately depends on) is last; only
		// it stages to the caller-supplied destination. Every other node's
		// destination is its own per-build install directory, consumed by
		// dependents through DepInfo.
		dest := ""
		if i == len(g.Nodes)-1 {
			dest = cfg.Dest
		}

		nr, err := o.runNode(ctx, node, cfg, dest, deps)
		if err != nil {
			return result, fmt.Errorf("orchestrator: %s: %w", node.Name, err)
		}
		result.Nodes = append(result.Nodes, nr)
		deps[node.Name] = recipe.DepInfo{InstallDir: nr.InstallDir}
	}

	return result, nil
}

// runNode drives a single node through the seven-step build/stage
// sequence described in the build-and-stage orchestration model.
func (o *Orchestrator) runNode(ctx context.Context, node resolver.Node, cfg Config, dest string, deps map[string]recipe.DepInfo) (NodeResult, error) {
	r := node.Recipe
	dir, err := recipedir.Open(r.Root())
	if err != nil {
		return NodeResult{}, err
	}
	if err := dir.EnsureStateDir(); err != nil {
		return NodeResult{}, err
	}

	buildCfg := profile.BuildConfig{
		Profile: cfg.Profile.Subset(r.Tools()),
		Options: node.Options.ForRoot(),
	}
	digest, err := buildCfg.Digest()
	if err != nil {
		return NodeResult{}, fmt.Errorf("digest build config: %w", err)
	}

	id, err := buildid.Compute(r.Name(), r.Version(), r.Revision(), digest, dest)
	if err != nil {
		return NodeResult{}, fmt.Errorf("compute build id: %w", err)
	}

	lockPath := dir.BuildLockPath(id)
	lock, ok, err := recipedir.TryAcquire(lockPath)
	if err != nil {
		return NodeResult{}, fmt.Errorf("acquire build lock: %w", err)
	}
	if !ok {
		o.logger.Info("Waiting for lock", "path", lockPath)
		lock, err = recipedir.Acquire(lockPath)
		if err != nil {
			return NodeResult{}, fmt.Errorf("acquire build lock: %w", err)
		}
	}
	defer lock.Release()

	// canStage == false forces every build straight into the destination:
	// there is no separate per-buildid install tree to copy from.
	rebuildInPlace := !r.CanStage() && dest != ""
	installDir := dir.InstallDir(id)
	if rebuildInPlace {
		installDir = dest
	}

	if !cfg.Force {
		ready, err := dir.CheckBuildReady(id)
		if err != nil {
			return NodeResult{}, fmt.Errorf("check build ready: %w", err)
		}
		if ready {
			o.logger.Debug("build up to date, skipping", "name", r.Name())
			stageDir, err := o.stage(ctx, r, installDir, dest)
			if err != nil {
				return NodeResult{}, err
			}
			return NodeResult{Name: r.Name(), Skipped: true, BuildId: id, InstallDir: installDir, StageDir: stageDir}, nil
		}
	}

	srcDir, err := o.ensureSource(ctx, r, dir)
	if err != nil {
		return NodeResult{}, err
	}

	buildDir := dir.BuildDir(id)
	buildDirs := recipe.BuildDirs{
		Root:    dir.Root,
		Src:     srcDir,
		Build:   buildDir,
		Install: installDir,
	}

	o.logger.Info("building", "name", r.Name(), "version", r.Version())
	if err := r.Build(ctx, buildDirs, buildCfg, deps); err != nil {
		return NodeResult{}, &doperrors.Error{Kind: doperrors.KindRecipeError, Topic: r.Name(), Message: "build failed", Err: err}
	}
	if err := dir.WriteBuildState(id, recipedir.BuildState{BuildTime: time.Now()}); err != nil {
		return NodeResult{}, fmt.Errorf("write build state: %w", err)
	}

	stageDir, err := o.stage(ctx, r, installDir, dest)
	if err != nil {
		return NodeResult{}, err
	}

	return NodeResult{Name: r.Name(), BuildId: id, InstallDir: installDir, StageDir: stageDir}, nil
}

// ensureSource checks whether the recipe's source is ready and, if not,
// invokes its source() function.
func (o *Orchestrator) ensureSource(ctx context.Context, r recipe.Recipe, dir recipedir.Dir) (string, error) {
	defaultSrc := dir.Root
	check, err := dir.CheckSourceReady(r.InTreeSrc(), defaultSrc)
	if err != nil {
		return "", fmt.Errorf("check source ready: %w", err)
	}
	if check.Ready {
		return check.Path, nil
	}

	o.logger.Info("fetching source", "name", r.Name(), "reason", check.Reason)
	src, err := r.Source(ctx, dir.Root)
	if err != nil {
		return "", &doperrors.Error{Kind: doperrors.KindRecipeError, Topic: r.Name(), Message: "source failed", Err: err}
	}
	return src, nil
}

// stage produces the install tree at dst from the node's install
// directory: the recipe's own stage() function when it declares one, a
// recursive copy otherwise, or (when the recipe sets stage=false or
// cannot stage) nothing — the caller already built straight into dst.
func (o *Orchestrator) stage(ctx context.Context, r recipe.Recipe, installDir, dst string) (string, error) {
	if dst == "" {
		return installDir, nil
	}
	if !r.CanStage() {
		// canStage == false: the build already targeted dst directly via
		// Install in BuildDirs, there is nothing left to copy.
		return dst, nil
	}

	o.logger.Info("staging", "name", r.Name(), "dest", dst)
	if err := r.Stage(ctx, installDir, dst); err != nil {
		return "", &doperrors.Error{Kind: doperrors.KindRecipeError, Topic: r.Name(), Message: "stage failed", Err: err}
	}
	return dst, nil
}
