package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/profile"
	"github.com/dopamine-pm/dop/internal/recipedir"
)

var (
	optionsClear bool
	optionsPrint bool
)

var optionsCmd = &cobra.Command{
	Use:   "options [k=v ...]",
	Short: "Manage the recipe's persisted option file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := recipedir.Open(".")
		if err != nil {
			return err
		}

		if optionsClear {
			if err := dir.EnsureStateDir(); err != nil {
				return err
			}
			// MergeOptionFile only adds/overrides; clearing means writing an
			// empty set directly since there is nothing to merge it out.
			empty := profile.NewOptionSet()
			data, err := empty.CanonicalJSON()
			if err != nil {
				return err
			}
			if err := writeFileAtomic(dir.OptionsPath(), data); err != nil {
				return err
			}
			printInfo("Options cleared")
			return nil
		}

		set := profile.NewOptionSet()
		for _, a := range args {
			k, v, ok := strings.Cut(a, "=")
			if !ok {
				return fmt.Errorf("options: %q is not in k=v form", a)
			}
			set[k] = profile.ParseOptionValue(v)
		}

		merged, err := dir.MergeOptionFile(set)
		if err != nil {
			return err
		}

		if optionsPrint || len(args) == 0 {
			names := merged.ForDependencies()
			root := merged.ForRoot()
			for k, v := range root {
				printInfof("%s=%s\n", k, v.String())
			}
			for _, dep := range names {
				for k, v := range merged.ForDependency(dep) {
					printInfof("%s/%s=%s\n", dep, k, v.String())
				}
			}
		}
		return nil
	},
}

func init() {
	optionsCmd.Flags().BoolVar(&optionsClear, "clear", false, "remove every persisted option")
	optionsCmd.Flags().BoolVar(&optionsPrint, "print", false, "print the effective option set")
}
