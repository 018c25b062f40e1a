// Package resolver builds, reconciles, and serializes the dependency DAG:
// one node per (name, provider), picked according to a heuristics mode and
// ordered topologically for the build orchestrator.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/dopamine-pm/dop/internal/doperrors"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/semver"
)

// Mode selects the heuristic used to pick a version among locations that
// satisfy the intersection of incoming specs.
type Mode int

const (
	// PreferSystem tries system first, then falls back local -> cache ->
	// network, preferring the highest satisfying version at the
	// most-local location. This is the default.
	PreferSystem Mode = iota
	PreferCache
	PreferLocal
	PickHighest
)

// Location names where a candidate version was found.
type Location int

const (
	LocationSystem Location = iota
	LocationLocal
	LocationCache
	LocationNetwork
)

func (l Location) String() string {
	switch l {
	case LocationSystem:
		return "system"
	case LocationLocal:
		return "local"
	case LocationCache:
		return "cache"
	default:
		return "network"
	}
}

// SystemPolicy gates whether the system location may be considered at all.
type SystemPolicy int

const (
	SystemAllow SystemPolicy = iota
	SystemDisallow
)

// Config carries the resolver's tunables, corresponding to the CLI flags on
// `dop resolve`.
type Config struct {
	Mode         Mode
	System       SystemPolicy
	Host         profile.HostInfo
	BuildType    profile.BuildType
	Options      profile.OptionSet
	AllowNetwork bool
}

// Candidate is one version of a package available at a given location, as
// reported by a DepServices provider.
type Candidate struct {
	Version  semver.Version
	Revision string
	Location Location
}

// Services is the facade the resolver queries for candidate versions and
// recipe contracts; internal/depservices supplies the concrete
// implementation for both native and alien providers.
type Services interface {
	AvailableVersions(ctx context.Context, provider recipe.Provider, name string) ([]Candidate, error)
	PackRecipe(ctx context.Context, provider recipe.Provider, name string, version semver.Version, revision string) (recipe.Recipe, error)
}

// Node is one resolved dependency in the DAG.
type Node struct {
	Name         string
	Provider     recipe.Provider
	Version      semver.Version
	Revision     string
	Location     Location
	IncomingSpec []string
	Options      profile.OptionSet
	Recipe       recipe.Recipe
	DependsOn    []string // names of direct dependencies, for topological ordering
}

// Graph is the resolved, topologically-ordered DAG.
type Graph struct {
	Nodes []Node
}

// ByName returns the node with the given name, if present.
func (g Graph) ByName(name string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

type pendingEdge struct {
	spec     semver.Spec
	options  profile.OptionSet
	fromName string
}

type pendingNode struct {
	name      string
	provider  recipe.Provider
	edges     []pendingEdge
	dependsOn []string
}

// Resolve builds the dependency DAG starting from root, querying svc for
// candidate versions and recipe contracts as needed.
func Resolve(ctx context.Context, root recipe.Recipe, svc Services, cfg Config) (Graph, error) {
	rcfg := recipe.ResolveConfig{
		Host:         cfg.Host,
		BuildType:    cfg.BuildType,
		Options:      cfg.Options,
		AllowSystem:  cfg.System == SystemAllow,
		AllowCache:   true,
		AllowNetwork: cfg.AllowNetwork,
	}

	pending := map[string]*pendingNode{
		root.Name(): {name: root.Name(), provider: recipe.ProviderNative},
	}
	order := []string{root.Name()}
	resolved := map[string]recipe.Recipe{root.Name(): root}

	queue := []string{root.Name()}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		r := resolved[name]
		deps, err := r.Dependencies(rcfg)
		if err != nil {
			return Graph{}, fmt.Errorf("resolver: dependencies of %s: %w", name, err)
		}
		pn := pending[name]
		for _, dep := range deps {
			pn.dependsOn = append(pn.dependsOn, dep.Name)

			child, ok := pending[dep.Name]
			if !ok {
				child = &pendingNode{name: dep.Name, provider: dep.Provider}
				pending[dep.Name] = child
				order = append(order, dep.Name)
				queue = append(queue, dep.Name)
			}
			child.edges = append(child.edges, pendingEdge{spec: dep.Spec, options: dep.Options, fromName: name})

			if _, seen := resolved[dep.Name]; !seen {
				// Fetch a provisional recipe at the highest candidate just
				// to read its own dependency list; the final pick happens
				// once all edges for this name are known, below.
				candidates, err := svc.AvailableVersions(ctx, dep.Provider, dep.Name)
				if err != nil {
					return Graph{}, fmt.Errorf("resolver: available versions for %s: %w", dep.Name, err)
				}
				if len(candidates) == 0 {
					return Graph{}, &doperrors.UnsatisfiableConstraint{Name: dep.Name, Specs: []string{dep.Spec.String()}, Offenders: []string{name}}
				}
				best := highestCandidate(candidates)
				r2, err := svc.PackRecipe(ctx, dep.Provider, dep.Name, best.Version, best.Revision)
				if err != nil {
					return Graph{}, fmt.Errorf("resolver: pack recipe for %s: %w", dep.Name, err)
				}
				resolved[dep.Name] = r2
			}
		}
	}

	nodes := make(map[string]Node, len(order))
	for _, name := range order {
		pn := pending[name]

		if name == root.Name() {
			v, err := semver.Parse(root.Version())
			if err != nil {
				return Graph{}, fmt.Errorf("resolver: root version: %w", err)
			}
			nodes[name] = Node{
				Name: name, Provider: recipe.ProviderNative, Version: v,
				Revision: string(root.Revision()), Location: LocationLocal,
				Options: cfg.Options.ForRoot(), Recipe: root, DependsOn: pn.dependsOn,
			}
			continue
		}

		candidates, err := svc.AvailableVersions(ctx, pn.provider, name)
		if err != nil {
			return Graph{}, fmt.Errorf("resolver: available versions for %s: %w", name, err)
		}

		specs := make([]semver.Spec, 0, len(pn.edges))
		offenders := make([]string, 0, len(pn.edges))
		specTexts := make([]string, 0, len(pn.edges))
		opts := profile.NewOptionSet()
		for _, e := range pn.edges {
			specs = append(specs, e.spec)
			offenders = append(offenders, e.fromName)
			specTexts = append(specTexts, e.spec.String())
			for k, v := range e.options {
				if existing, ok := opts[k]; ok && existing != v {
					return Graph{}, fmt.Errorf("resolver: conflicting option %q for %s", k, name)
				}
				opts[k] = v
			}
		}

		versions := make([]semver.Version, 0, len(candidates))
		byVersion := map[string][]Candidate{}
		for _, c := range candidates {
			versions = append(versions, c.Version)
			byVersion[c.Version.String()] = append(byVersion[c.Version.String()], c)
		}
		matching := semver.Intersect(specs, versions)
		if len(matching) == 0 {
			return Graph{}, &doperrors.UnsatisfiableConstraint{Name: name, Specs: specTexts, Offenders: offenders}
		}

		chosen := pickByMode(cfg.Mode, matching, byVersion)

		r, ok := resolved[name]
		if !ok {
			return Graph{}, fmt.Errorf("resolver: internal: no recipe cached for %s", name)
		}

		nodes[name] = Node{
			Name: name, Provider: pn.provider, Version: chosen.Version,
			Revision: chosen.Revision, Location: chosen.Location,
			IncomingSpec: specTexts, Options: opts, Recipe: r, DependsOn: pn.dependsOn,
		}
	}

	sorted, err := topoSort(order, nodes)
	if err != nil {
		return Graph{}, err
	}
	return Graph{Nodes: sorted}, nil
}

// pickByMode narrows matching versions per mode, then ties-break by highest
// semver, then by highest revision string.
func pickByMode(mode Mode, matching []semver.Version, byVersion map[string][]Candidate) Candidate {
	tierOrder := locationTiers(mode)

	for _, tier := range tierOrder {
		var tierVersions []semver.Version
		for _, v := range matching {
			for _, c := range byVersion[v.String()] {
				if c.Location == tier {
					tierVersions = append(tierVersions, v)
					break
				}
			}
		}
		if len(tierVersions) == 0 {
			continue
		}
		best, _ := semver.Highest(tierVersions)
		return bestCandidateAt(byVersion[best.String()], tier)
	}

	// PickHighest (or nothing matched a tier, which cannot happen since
	// every candidate has a location): fall back to the global highest.
	best, _ := semver.Highest(matching)
	all := byVersion[best.String()]
	sort.Slice(all, func(i, j int) bool { return all[i].Revision > all[j].Revision })
	return all[0]
}

func locationTiers(mode Mode) []Location {
	switch mode {
	case PreferCache:
		return []Location{LocationLocal, LocationCache, LocationSystem, LocationNetwork}
	case PreferLocal:
		return []Location{LocationLocal, LocationSystem, LocationCache, LocationNetwork}
	case PickHighest:
		return nil
	default: // PreferSystem
		return []Location{LocationSystem, LocationLocal, LocationCache, LocationNetwork}
	}
}

func bestCandidateAt(candidates []Candidate, loc Location) Candidate {
	var matches []Candidate
	for _, c := range candidates {
		if c.Location == loc {
			matches = append(matches, c)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Revision > matches[j].Revision })
	return matches[0]
}

func highestCandidate(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Version.GreaterThan(best.Version) {
			best = c
		}
	}
	return best
}

// topoSort orders names so each node's dependencies precede it, reporting
// CyclicGraph if a cycle is found.
func topoSort(names []string, nodes map[string]Node) ([]Node, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(names))
	var out []Node
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &doperrors.CyclicGraph{Cycle: append(append([]string{}, stack...), name)}
		}
		color[name] = gray
		stack = append(stack, name)

		n := nodes[name]
		for _, dep := range n.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		out = append(out, n)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}
