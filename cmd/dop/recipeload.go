package main

import (
	"fmt"

	"github.com/dopamine-pm/dop/internal/buildid"
	"github.com/dopamine-pm/dop/internal/engine"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/recipedir"
)

// loadRootRecipe opens the recipe directory rooted at ".", loads
// dopamine.lua through the Lua engine, and stamps it with its current
// RecipeRevision so every downstream consumer (resolver, archive, build
// id) sees a consistent fingerprint.
func loadRootRecipe(logger log.Logger) (recipedir.Dir, recipe.Recipe, error) {
	dir, err := recipedir.Open(".")
	if err != nil {
		return recipedir.Dir{}, nil, err
	}

	e := engine.New(logger)
	r, err := e.Load(dir.Root, dir.RecipeFile())
	if err != nil {
		return recipedir.Dir{}, nil, fmt.Errorf("dop: load recipe: %w", err)
	}

	includes, err := r.Include()
	if err != nil {
		return recipedir.Dir{}, nil, fmt.Errorf("dop: include(): %w", err)
	}
	rev, err := buildid.ComputeRecipeRevision(dir.Root, recipedir.RecipeFileName, includes)
	if err != nil {
		return recipedir.Dir{}, nil, fmt.Errorf("dop: compute revision: %w", err)
	}
	r.SetRevision(rev)

	return dir, r, nil
}
