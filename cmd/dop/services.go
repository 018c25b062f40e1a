package main

import (
	"context"

	"github.com/dopamine-pm/dop/internal/config"
	"github.com/dopamine-pm/dop/internal/depservices"
	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/resolver"
	"github.com/dopamine-pm/dop/internal/semver"
)

// dispatchServices implements resolver.Services by routing each call to
// the dep-service provider it names: internal/depservices.Native for
// recipe.ProviderNative nodes (the registry+cache path) and
// internal/depservices.Alien for recipe.ProviderAlien nodes (foreign
// ecosystem wrappers). The resolver itself is provider-agnostic; this is
// the one place that knows both providers exist.
type dispatchServices struct {
	native *depservices.Native
	alien  *depservices.Alien
}

func (d *dispatchServices) AvailableVersions(ctx context.Context, provider recipe.Provider, name string) ([]resolver.Candidate, error) {
	switch provider {
	case recipe.ProviderAlien:
		return d.alien.AvailableVersions(ctx, provider, name)
	default:
		return d.native.AvailableVersions(ctx, provider, name)
	}
}

func (d *dispatchServices) PackRecipe(ctx context.Context, provider recipe.Provider, name string, version semver.Version, revision string) (recipe.Recipe, error) {
	switch provider {
	case recipe.ProviderAlien:
		return d.alien.PackRecipe(ctx, provider, name, version, revision)
	default:
		return d.native.PackRecipe(ctx, provider, name, version, revision)
	}
}

// newServices builds the dispatchServices a resolve/build invocation uses,
// wiring the persisted registry credential (if any) into the native
// provider's RegistryClient.
func newServices(cfg *config.Config, allowNetwork bool, logger log.Logger) (*dispatchServices, error) {
	registryURL := depservices.DefaultRegistryURL
	token, err := registryToken(cfg.CredentialsFile, registryURL)
	if err != nil {
		return nil, err
	}

	client := depservices.NewRegistryClient(token)
	native := depservices.NewNative(cfg.CacheDir, client, allowNetwork, logger)
	alien := depservices.NewAlien(cfg.CacheDir, token, logger)

	return &dispatchServices{native: native, alien: alien}, nil
}
