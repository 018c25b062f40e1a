package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/log"
	"github.com/dopamine-pm/dop/internal/orchestrator"
	"github.com/dopamine-pm/dop/internal/recipe"
	"github.com/dopamine-pm/dop/internal/resolver"
)

var (
	stageProfile string
	stageOptions []string
)

var stageCmd = &cobra.Command{
	Use:   "stage DEST",
	Short: "Build dependencies and self, installing into DEST",
	Args:  cobra.ExactArgs(1),
	RunE:  runStage,
}

func init() {
	stageCmd.Flags().StringVarP(&stageProfile, "profile", "p", "", "named profile to build under")
	stageCmd.Flags().StringArrayVarP(&stageOptions, "option", "o", nil, "set an option as k=v (repeatable)")
}

func runStage(cmd *cobra.Command, args []string) error {
	dest, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("dop: resolve destination %s: %w", args[0], err)
	}

	logger := log.Default()
	dir, root, err := loadRootRecipe(logger)
	if err != nil {
		return err
	}

	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	p, err := namedProfile(dir, cfg.HomeDir, stageProfile)
	if err != nil {
		return err
	}

	svc, err := newServices(cfg, true, logger)
	if err != nil {
		return err
	}

	host, err := hostInfo()
	if err != nil {
		return err
	}
	flagOpts, err := parseOptionFlags(stageOptions)
	if err != nil {
		return err
	}
	persisted, err := dir.LoadOptions()
	if err != nil {
		return err
	}
	opts := persisted.Merge(flagOpts)

	rcfg := resolver.Config{Host: host, BuildType: p.BuildType, Options: opts, AllowNetwork: true}
	recipeCfg := recipe.ResolveConfig{
		Host: host, BuildType: p.BuildType, Options: opts,
		AllowSystem: true, AllowCache: true, AllowNetwork: true,
	}

	graph, err := loadGraph(cmd.Context(), dir, root, svc, rcfg, recipeCfg)
	if err != nil {
		printError(err, "dop stage")
		return err
	}

	orch := orchestrator.New(logger)
	result, err := orch.Run(cmd.Context(), graph, orchestrator.Config{Profile: p, Dest: dest})
	if err != nil {
		printError(err, "dop stage")
		return err
	}

	writeE2ETestBuildID(result)

	printInfof("Staged %s -> %s\n", root.Name(), dest)
	return nil
}
