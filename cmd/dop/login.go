package main

import (
	"fmt"

	"github.com/dopamine-pm/dop/internal/depservices"
	"github.com/spf13/cobra"
)

var loginRegistry string

var loginCmd = &cobra.Command{
	Use:   "login TOKEN",
	Short: "Persist a registry credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		cfg, err := clientConfig()
		if err != nil {
			return err
		}

		registryURL := loginRegistry
		if registryURL == "" {
			registryURL = depservices.DefaultRegistryURL
		}

		creds, err := loadCredentials(cfg.CredentialsFile)
		if err != nil {
			return err
		}
		entry := creds.Registries[registryURL]
		entry.Token = token
		creds.Registries[registryURL] = entry

		if err := saveCredentials(cfg.CredentialsFile, creds); err != nil {
			return err
		}
		printInfo(fmt.Sprintf("Credential stored for %s", registryURL))
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginRegistry, "registry", "R", "", "registry base URL (default: the public registry)")
}
