package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/semver"
)

// LockSchemaVersion is the current dop.lock schema version. Readers reject
// lock files with a different version rather than guess at compatibility.
const LockSchemaVersion = 1

// LockNode is one node's on-disk representation in dop.lock.
type LockNode struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Revision     string            `json:"revision"`
	Provider     string            `json:"provider"`
	Location     string            `json:"location"`
	IncomingSpec []string          `json:"incoming_spec"`
	Options      map[string]string `json:"options,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
}

// LockFile is the stable JSON form persisted as dop.lock.
type LockFile struct {
	SchemaVersion int        `json:"schema_version"`
	Nodes         []LockNode `json:"nodes"`
}

// ToLockFile renders a resolved Graph to its stable on-disk form, preserving
// topological node order.
func (g Graph) ToLockFile() LockFile {
	nodes := make([]LockNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		opts := make(map[string]string, len(n.Options))
		for k, v := range n.Options {
			opts[k] = v.String()
		}
		specs := append([]string{}, n.IncomingSpec...)
		sort.Strings(specs)
		deps := append([]string{}, n.DependsOn...)
		sort.Strings(deps)

		nodes = append(nodes, LockNode{
			Name: n.Name, Version: n.Version.String(), Revision: n.Revision,
			Provider: string(n.Provider), Location: n.Location.String(),
			IncomingSpec: specs, Options: opts, DependsOn: deps,
		})
	}
	return LockFile{SchemaVersion: LockSchemaVersion, Nodes: nodes}
}

// WriteLockFile persists lf to path as canonically-formatted JSON.
func WriteLockFile(path string, lf LockFile) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("resolver: marshal lock: %w", err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("resolver: write lock: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadLockFile loads and parses path.
func ReadLockFile(path string) (LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockFile{}, fmt.Errorf("resolver: read lock: %w", err)
	}
	var lf LockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return LockFile{}, fmt.Errorf("resolver: parse lock: %w", err)
	}
	return lf, nil
}

// Stale reports whether lf no longer matches root's direct dependencies:
// a different schema version, a missing/extra direct dependency name, or a
// changed incoming spec text against the currently-declared one.
func Stale(lf LockFile, root recipe.Recipe, rcfg recipe.ResolveConfig) (bool, string, error) {
	if lf.SchemaVersion != LockSchemaVersion {
		return true, fmt.Sprintf("schema version %d != %d", lf.SchemaVersion, LockSchemaVersion), nil
	}

	byName := make(map[string]LockNode, len(lf.Nodes))
	for _, n := range lf.Nodes {
		byName[n.Name] = n
	}

	deps, err := root.Dependencies(rcfg)
	if err != nil {
		return false, "", fmt.Errorf("resolver: dependencies: %w", err)
	}

	seen := map[string]bool{}
	for _, dep := range deps {
		seen[dep.Name] = true
		n, ok := byName[dep.Name]
		if !ok {
			return true, fmt.Sprintf("direct dependency %s missing from lock", dep.Name), nil
		}
		if !specListContains(n.IncomingSpec, dep.Spec) {
			return true, fmt.Sprintf("dependency %s spec changed to %s", dep.Name, dep.Spec.String()), nil
		}
	}

	if rootNode, ok := byName[root.Name()]; ok {
		for _, depName := range rootNode.DependsOn {
			if !seen[depName] {
				return true, fmt.Sprintf("lock carries stale dependency %s", depName), nil
			}
		}
	}

	return false, "", nil
}

// FromLockFile reconstructs a Graph from a validated, non-stale lock file,
// letting the resolver short-circuit re-resolution entirely. Each node's
// Recipe is fetched via svc.PackRecipe at the pinned version/revision.
func FromLockFile(ctx context.Context, lf LockFile, svc Services) (Graph, error) {
	nodes := make([]Node, 0, len(lf.Nodes))
	for _, n := range lf.Nodes {
		v, err := semver.Parse(n.Version)
		if err != nil {
			return Graph{}, fmt.Errorf("resolver: lock node %s: %w", n.Name, err)
		}
		r, err := svc.PackRecipe(ctx, recipe.Provider(n.Provider), n.Name, v, n.Revision)
		if err != nil {
			return Graph{}, fmt.Errorf("resolver: pack recipe for locked %s: %w", n.Name, err)
		}
		nodes = append(nodes, Node{
			Name: n.Name, Provider: recipe.Provider(n.Provider), Version: v,
			Revision: n.Revision, IncomingSpec: n.IncomingSpec,
			Options: optionsFromLock(n.Options), Recipe: r, DependsOn: n.DependsOn,
		})
	}
	return Graph{Nodes: nodes}, nil
}

func specListContains(specs []string, spec semver.Spec) bool {
	target := spec.String()
	for _, s := range specs {
		if s == target {
			return true
		}
	}
	return false
}

// optionsFromLock reconstructs a profile.OptionSet from a LockNode's string
// form, used when reusing a lock without re-resolving.
func optionsFromLock(m map[string]string) profile.OptionSet {
	out := profile.NewOptionSet()
	for k, v := range m {
		out[k] = profile.ParseOptionValue(v)
	}
	return out
}
