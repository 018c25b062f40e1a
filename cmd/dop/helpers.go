package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dopamine-pm/dop/internal/errmsg"
)

// printInfo prints unless -q/--quiet is set.
func printInfo(a ...interface{}) {
	if !quietFlag {
		fmt.Println(a...)
	}
}

func printInfof(format string, a ...interface{}) {
	if !quietFlag {
		fmt.Printf(format, a...)
	}
}

// printError renders err with errmsg's possible-causes/suggestions text.
func printError(err error, toolName string) {
	var ctx *errmsg.ErrorContext
	if toolName != "" {
		ctx = &errmsg.ErrorContext{ToolName: toolName}
	}
	fmt.Fprintln(os.Stderr, errmsg.Format(err, ctx))
}

// credentials is the persisted form of $DOP_HOME/credentials.json: one
// entry per registry base URL, keyed so a single credentials file can
// hold tokens for more than one registry (the default public one plus
// any private mirror `login --registry` was pointed at).
type credentials struct {
	Registries map[string]registryCredential `json:"registries"`
}

type registryCredential struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Pseudo       string `json:"pseudo,omitempty"`
}

func loadCredentials(path string) (credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return credentials{Registries: map[string]registryCredential{}}, nil
		}
		return credentials{}, fmt.Errorf("dop: read credentials: %w", err)
	}
	var c credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return credentials{}, fmt.Errorf("dop: parse credentials: %w", err)
	}
	if c.Registries == nil {
		c.Registries = map[string]registryCredential{}
	}
	return c, nil
}

func saveCredentials(path string, c credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("dop: marshal credentials: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("dop: write credentials: %w", err)
	}
	return os.Rename(tmp, path)
}

// writeFileAtomic writes data to path via a temp file plus rename, the
// same pattern internal/profile and internal/recipedir use for their own
// persisted files.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("dop: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// registryToken looks up the persisted token for registryURL, returning
// "" (not an error) when no credential is on file: commands work
// unauthenticated against a public registry until they hit a 401/403.
func registryToken(credentialsFile, registryURL string) (string, error) {
	c, err := loadCredentials(credentialsFile)
	if err != nil {
		return "", err
	}
	return c.Registries[registryURL].Token, nil
}
