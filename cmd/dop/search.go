package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/dopamine-pm/dop/internal/depservices"
)

var (
	searchRegex         bool
	searchCaseSensitive bool
	searchNameOnly      bool
	searchExtended      bool
	searchLatestOnly    bool
	searchLimit         int
	searchAllRevisions  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [PATTERN]",
	Short: "Query the registry catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().BoolVarP(&searchRegex, "regex", "r", false, "treat PATTERN as a regular expression")
	searchCmd.Flags().BoolVarP(&searchCaseSensitive, "case-sensitive", "c", false, "match case-sensitively")
	searchCmd.Flags().BoolVarP(&searchNameOnly, "name-only", "N", false, "match against package names only")
	searchCmd.Flags().BoolVarP(&searchExtended, "extended", "E", false, "also match descriptions")
	searchCmd.Flags().BoolVarP(&searchLatestOnly, "latest-only", "L", false, "show only the latest version per package")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 0, "maximum number of results")
	searchCmd.Flags().BoolVarP(&searchAllRevisions, "all-revisions", "A", false, "show every revision, not just the latest")
}

func runSearch(cmd *cobra.Command, args []string) error {
	var pattern string
	if len(args) == 1 {
		pattern = args[0]
	}

	cfg, err := clientConfig()
	if err != nil {
		return err
	}
	registryURL := depservices.DefaultRegistryURL
	token, err := registryToken(cfg.CredentialsFile, registryURL)
	if err != nil {
		return err
	}
	client := depservices.NewRegistryClient(token)

	entries, err := client.Search(cmd.Context(), depservices.SearchOptions{
		Pattern:       pattern,
		Regex:         searchRegex,
		CaseSensitive: searchCaseSensitive,
		NameOnly:      searchNameOnly,
		Extended:      searchAllRevisions || searchExtended,
		LatestOnly:    searchLatestOnly,
		Limit:         searchLimit,
	})
	if err != nil {
		printError(err, "dop search")
		return err
	}

	for _, e := range entries {
		if searchAllRevisions && len(e.Revisions) > 0 {
			var revs []string
			for _, r := range e.Revisions {
				revs = append(revs, r.Version+"-"+r.Revision)
			}
			printInfof("%s  %s\n", e.Name, strings.Join(revs, ", "))
			continue
		}
		printInfof("%s  %s\n", e.Name, e.LatestVersion)
	}
	return nil
}
