// Package depservices implements the two Dep Services providers the
// resolver queries through resolver.Services: native, which talks to the
// registry and caches recipe archives locally, and alien, which wraps a
// foreign ecosystem's own metadata. Both produce recipe.Recipe values.
package depservices

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dopamine-pm/dop/internal/config"
	"github.com/dopamine-pm/dop/internal/doperrors"
)

const (
	// DefaultRegistryURL is the dop registry's public base URL.
	DefaultRegistryURL = "https://registry.dopamine-pm.org"

	// EnvRegistryURL overrides the registry base URL.
	EnvRegistryURL = "DOP_REGISTRY_URL"
)

// RegistryClient speaks the registry's /v1/packages and /archive HTTP
// surface (§4.I) on behalf of the native dep-service.
type RegistryClient struct {
	BaseURL string
	client  *http.Client
	token   string
}

// NewRegistryClient returns a client for the registry at DOP_REGISTRY_URL,
// or DefaultRegistryURL if unset. token is the bearer credential persisted
// by `dop login`; empty for unauthenticated requests.
func NewRegistryClient(token string) *RegistryClient {
	base := os.Getenv(EnvRegistryURL)
	if base == "" {
		base = DefaultRegistryURL
	}
	return &RegistryClient{
		BaseURL: strings.TrimRight(base, "/"),
		token:   token,
		client: &http.Client{
			Timeout: config.GetAPITimeout(),
			Transport: &http.Transport{
				DisableCompression: true,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// VersionEntry is one entry of GET /v1/packages/:pack/versions.
type VersionEntry struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	CreatedAt string `json:"created"`
	CreatedBy string `json:"createdBy"`
}

func (c *RegistryClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("depservices: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, doperrors.New(doperrors.KindNetworkError, "", err.Error(), err)
	}
	return resp, nil
}

// Versions fetches every published (version, revision) pair for name.
func (c *RegistryClient) Versions(ctx context.Context, name string) ([]VersionEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/packages/"+url.PathEscape(name)+"/versions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, doperrors.New(doperrors.KindResourceNotFound, name, "package not found in registry", nil)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, doperrors.New(doperrors.KindNetworkError, name, "registry rate limit exceeded", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, doperrors.New(doperrors.KindNetworkError, name, fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}

	var entries []VersionEntry
	if err := decodeJSON(resp.Body, &entries); err != nil {
		return nil, fmt.Errorf("depservices: decode versions for %s: %w", name, err)
	}
	return entries, nil
}

// RecipeArchive fetches the recipe archive for (name, version, revision)
// and the SHA-256 digest the registry recorded for it.
func (c *RegistryClient) RecipeArchive(ctx context.Context, name, version, revision string) (data []byte, sha256Hex string, err error) {
	path := fmt.Sprintf("/v1/packages/%s/recipes/%s?revision=%s",
		url.PathEscape(name), url.PathEscape(version), url.QueryEscape(revision))
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", doperrors.New(doperrors.KindResourceNotFound, name,
			fmt.Sprintf("revision %s of %s@%s not found", revision, name, version), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", doperrors.New(doperrors.KindNetworkError, name, fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}

	digest := resp.Header.Get("X-Digest")
	digest = strings.TrimPrefix(digest, "sha-256=")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("depservices: read recipe archive: %w", err)
	}
	return body, digest, nil
}

// Search queries GET /v1/packages with the registry's search flags.
type SearchOptions struct {
	Pattern       string
	Regex         bool
	CaseSensitive bool
	NameOnly      bool
	Extended      bool
	LatestOnly    bool
	Limit         int
}

// SearchEntry is one result row from GET /v1/packages.
type SearchEntry struct {
	Name          string         `json:"name"`
	LatestVersion string         `json:"latestVersion"`
	Revisions     []VersionEntry `json:"revisions"`
}

func (c *RegistryClient) Search(ctx context.Context, opts SearchOptions) ([]SearchEntry, error) {
	q := url.Values{}
	q.Set("q", opts.Pattern)
	if opts.Regex {
		q.Set("regex", "true")
	}
	if opts.CaseSensitive {
		q.Set("caseSensitive", "true")
	}
	if opts.NameOnly {
		q.Set("nameOnly", "true")
	}
	if opts.Extended {
		q.Set("extended", "true")
	}
	if opts.LatestOnly {
		q.Set("latestOnly", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	resp, err := c.do(ctx, http.MethodGet, "/v1/packages?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, doperrors.New(doperrors.KindNetworkError, "", fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}

	var entries []SearchEntry
	if err := decodeJSON(resp.Body, &entries); err != nil {
		return nil, fmt.Errorf("depservices: decode search results: %w", err)
	}
	return entries, nil
}
