package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/log"
)

var revisionCmd = &cobra.Command{
	Use:   "revision",
	Short: "Print the recipe's content revision",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, root, err := loadRootRecipe(log.Default())
		if err != nil {
			return err
		}
		fmt.Println(root.Revision())
		return nil
	},
}
