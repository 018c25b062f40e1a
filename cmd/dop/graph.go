package main

import (
	"context"
	"fmt"

	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/recipedir"
	"github.com/dopamine-pm/dop/internal/resolver"
	"github.com/dopamine-pm/dop/internal/semver"
)

// loadGraph returns the dependency graph build/stage/source operate on: a
// one-node graph, without resolving or reading dop.lock, when the root has
// no dependencies; otherwise the graph reconstructed from dop.lock when it
// is readable and not stale, and a fresh resolve when it is not. The root node's
// Recipe is always the freshly-loaded one passed in, since dop.lock never
// pins the root itself to a fetchable version.
func loadGraph(ctx context.Context, dir recipedir.Dir, root recipe.Recipe, svc resolver.Services, rcfg resolver.Config, recipeCfg recipe.ResolveConfig) (resolver.Graph, error) {
	if !root.HasDependencies() {
		v, err := semver.Parse(root.Version())
		if err != nil {
			return resolver.Graph{}, fmt.Errorf("dop: root version: %w", err)
		}
		return resolver.Graph{Nodes: []resolver.Node{{
			Name: root.Name(), Provider: recipe.ProviderNative, Version: v,
			Revision: string(root.Revision()), Options: rcfg.Options.ForRoot(), Recipe: root,
		}}}, nil
	}

	if lf, err := resolver.ReadLockFile(dir.DepLockPath()); err == nil {
		if stale, _, serr := resolver.Stale(lf, root, recipeCfg); serr == nil && !stale {
			g, ferr := resolver.FromLockFile(ctx, lf, svc)
			if ferr == nil {
				patchRootNode(&g, root)
				return g, nil
			}
		}
	}

	g, err := resolver.Resolve(ctx, root, svc, rcfg)
	if err != nil {
		return resolver.Graph{}, err
	}
	_ = resolver.WriteLockFile(dir.DepLockPath(), g.ToLockFile())
	return g, nil
}

// patchRootNode replaces the root's Recipe in a graph reconstructed from
// dop.lock: FromLockFile fetches every node through Services.PackRecipe,
// but the root recipe lives on disk, not in a registry.
func patchRootNode(g *resolver.Graph, root recipe.Recipe) {
	for i := range g.Nodes {
		if g.Nodes[i].Name == root.Name() {
			g.Nodes[i].Recipe = root
			g.Nodes[i].Revision = string(root.Revision())
			return
		}
	}
}

