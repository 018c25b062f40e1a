package registryserver

import (
	"fmt"
	"regexp"
	"strings"
)

// VersionEntry mirrors depservices.VersionEntry's wire shape exactly: this
// is the server side of the same JSON contract.
type VersionEntry struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	CreatedAt string `json:"created"`
	CreatedBy string `json:"createdBy"`
}

// SearchOptions mirrors depservices.SearchOptions's query parameters.
type SearchOptions struct {
	Pattern       string
	Regex         bool
	CaseSensitive bool
	NameOnly      bool
	Extended      bool
	LatestOnly    bool
	Limit         int
}

// SearchEntry mirrors depservices.SearchEntry's wire shape exactly.
type SearchEntry struct {
	Name          string         `json:"name"`
	LatestVersion string         `json:"latestVersion"`
	Revisions     []VersionEntry `json:"revisions"`
}

// newNameMatcher builds the predicate SearchPackages applies to each
// package name, honoring the regex/caseSensitive query flags.
func newNameMatcher(opts SearchOptions) (func(string) bool, error) {
	if opts.Pattern == "" {
		return func(string) bool { return true }, nil
	}

	if opts.Regex {
		expr := opts.Pattern
		if !opts.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("registryserver: invalid search pattern: %w", err)
		}
		return re.MatchString, nil
	}

	needle := opts.Pattern
	if !opts.CaseSensitive {
		needle = strings.ToLower(needle)
	}
	return func(name string) bool {
		haystack := name
		if !opts.CaseSensitive {
			haystack = strings.ToLower(haystack)
		}
		return strings.Contains(haystack, needle)
	}, nil
}
