package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// BuildConfig pairs a Profile with the OptionSet applied to the root
// package being built. Its digest feeds BuildId (see internal/buildid).
type BuildConfig struct {
	Profile Profile
	Options OptionSet
}

// Digest is SHA-256 over the profile's canonical text concatenated with the
// option set's canonical JSON, hex-encoded.
func (c BuildConfig) Digest() (string, error) {
	profileText, err := c.Profile.CanonicalText()
	if err != nil {
		return "", err
	}
	optionsJSON, err := c.Options.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("profile: digest options: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(profileText))
	h.Write(optionsJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}
