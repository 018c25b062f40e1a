package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/doperrors"
	"github.com/dopamine-pm/dop/internal/log"
)

var sourceForce bool

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Ensure the recipe's source directory is ready",
	RunE:  runSource,
}

func init() {
	sourceCmd.Flags().BoolVar(&sourceForce, "force", false, "re-fetch source even if it looks up to date")
}

func runSource(cmd *cobra.Command, args []string) error {
	logger := log.Default()
	dir, root, err := loadRootRecipe(logger)
	if err != nil {
		return err
	}

	if !sourceForce {
		check, err := dir.CheckSourceReady(root.InTreeSrc(), dir.Root)
		if err != nil {
			return err
		}
		if check.Ready {
			printInfof("Source ready at %s\n", check.Path)
			return nil
		}
		printInfof("fetching source: %s\n", check.Reason)
	}

	src, err := root.Source(cmd.Context(), dir.Root)
	if err != nil {
		err = &doperrors.Error{Kind: doperrors.KindRecipeError, Topic: root.Name(), Message: "source failed", Err: err}
		printError(err, "dop source")
		return err
	}
	printInfo(fmt.Sprintf("Source ready at %s", src))
	return nil
}
