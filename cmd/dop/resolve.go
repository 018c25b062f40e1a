package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/platform"
	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/resolver"
)

var (
	resolveForce        bool
	resolvePreferSystem bool
	resolvePreferCache  bool
	resolvePreferLocal  bool
	resolvePickHighest  bool
	resolveNoNetwork    bool
	resolveNoSystem     bool
	resolveOptions      []string
	resolveBuildType    string
	resolveOS           string
	resolveArch         string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Compute the dependency lock file",
	RunE:  runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveForce, "force", false, "re-resolve even if dop.lock looks current")
	resolveCmd.Flags().BoolVar(&resolvePreferSystem, "prefer-system", false, "prefer system-installed versions (default)")
	resolveCmd.Flags().BoolVar(&resolvePreferCache, "prefer-cache", false, "prefer cached versions")
	resolveCmd.Flags().BoolVar(&resolvePreferLocal, "prefer-local", false, "prefer in-tree/local versions")
	resolveCmd.Flags().BoolVar(&resolvePickHighest, "pick-highest", false, "ignore location, pick the highest satisfying version")
	resolveCmd.Flags().BoolVar(&resolveNoNetwork, "no-network", false, "do not query the registry over the network")
	resolveCmd.Flags().BoolVar(&resolveNoSystem, "no-system", false, "do not consider system-installed versions")
	resolveCmd.Flags().StringArrayVar(&resolveOptions, "option", nil, "set an option as k=v (repeatable)")
	resolveCmd.Flags().StringVar(&resolveBuildType, "build-type", "", "release or debug (default: profile's)")
	resolveCmd.Flags().StringVar(&resolveOS, "os", "", "override detected host OS")
	resolveCmd.Flags().StringVar(&resolveArch, "arch", "", "override detected host arch")
}

func resolverMode() resolver.Mode {
	switch {
	case resolvePickHighest:
		return resolver.PickHighest
	case resolvePreferCache:
		return resolver.PreferCache
	case resolvePreferLocal:
		return resolver.PreferLocal
	default:
		return resolver.PreferSystem
	}
}

func parseOptionFlags(raw []string) (profile.OptionSet, error) {
	set := profile.NewOptionSet()
	for _, a := range raw {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("--option %q is not in k=v form", a)
		}
		set[k] = profile.ParseOptionValue(v)
	}
	return set, nil
}

func hostInfo() (profile.HostInfo, error) {
	if resolveOS != "" && resolveArch != "" {
		return profile.HostInfo{OS: resolveOS, Arch: resolveArch}, nil
	}
	target, err := platform.DetectTarget()
	if err != nil {
		return profile.HostInfo{}, fmt.Errorf("dop: detect host: %w", err)
	}
	h := profile.HostInfo{OS: target.OS(), Arch: target.Arch()}
	if resolveOS != "" {
		h.OS = resolveOS
	}
	if resolveArch != "" {
		h.Arch = resolveArch
	}
	return h, nil
}

func resolveBuildTypeFlag() profile.BuildType {
	if resolveBuildType == "debug" {
		return profile.BuildTypeDebug
	}
	return profile.BuildTypeRelease
}

func runResolve(cmd *cobra.Command, args []string) error {
	logger := log.Default()
	dir, root, err := loadRootRecipe(logger)
	if err != nil {
		return err
	}

	if !root.HasDependencies() {
		printInfo("No dependency - nothing to do")
		return nil
	}

	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	svc, err := newServices(cfg, !resolveNoNetwork, logger)
	if err != nil {
		return err
	}

	host, err := hostInfo()
	if err != nil {
		return err
	}
	flagOpts, err := parseOptionFlags(resolveOptions)
	if err != nil {
		return err
	}
	persisted, err := dir.LoadOptions()
	if err != nil {
		return err
	}
	opts := persisted.Merge(flagOpts)

	rcfg := resolver.Config{
		Mode:         resolverMode(),
		System:       systemPolicy(),
		Host:         host,
		BuildType:    resolveBuildTypeFlag(),
		Options:      opts,
		AllowNetwork: !resolveNoNetwork,
	}
	recipeCfg := recipe.ResolveConfig{
		Host: host, BuildType: rcfg.BuildType, Options: opts,
		AllowSystem: rcfg.System == resolver.SystemAllow, AllowCache: true,
		AllowNetwork: rcfg.AllowNetwork,
	}

	if !resolveForce {
		if lf, lerr := resolver.ReadLockFile(dir.DepLockPath()); lerr == nil {
			stale, reason, serr := resolver.Stale(lf, root, recipeCfg)
			if serr == nil && !stale {
				printInfo("dop.lock is up to date")
				return nil
			}
			if serr == nil {
				printInfof("re-resolving: %s\n", reason)
			}
		}
	}

	graph, err := resolver.Resolve(cmd.Context(), root, svc, rcfg)
	if err != nil {
		printError(err, "dop resolve")
		return err
	}

	lf := graph.ToLockFile()
	if err := resolver.WriteLockFile(dir.DepLockPath(), lf); err != nil {
		return err
	}
	printInfof("Resolved %d node(s) into %s\n", len(lf.Nodes), dir.DepLockPath())
	return nil
}

func systemPolicy() resolver.SystemPolicy {
	if resolveNoSystem {
		return resolver.SystemDisallow
	}
	return resolver.SystemAllow
}
