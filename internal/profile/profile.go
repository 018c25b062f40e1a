// Package profile describes the host/toolchain/build-type shape a recipe
// is built under, plus the typed option set layered on top of it. Both
// have a canonical textual form and a digest, which together feed the
// BuildConfig digest that keys on-disk build/install directories.
package profile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// BuildType distinguishes debug and release compilation.
type BuildType string

const (
	BuildTypeRelease BuildType = "release"
	BuildTypeDebug   BuildType = "debug"
)

// HostInfo identifies the host operating system and architecture.
type HostInfo struct {
	OS   string `toml:"os"`
	Arch string `toml:"arch"`
}

// Tool is a single toolchain component (a compiler, linker, or similar)
// discovered or configured for a profile.
type Tool struct {
	ID      string `toml:"id"`
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Path    string `toml:"path"`
}

// Profile is the canonical description of the environment a package is
// built under.
type Profile struct {
	Basename  string    `toml:"basename"`
	Name      string    `toml:"name"`
	HostInfo  HostInfo  `toml:"host"`
	BuildType BuildType `toml:"build_type"`
	Tools     []Tool    `toml:"tool"`
}

// New returns a Profile for the running host with the given name and build type.
func New(name string, buildType BuildType, host HostInfo) Profile {
	return Profile{
		Basename:  name,
		Name:      name,
		HostInfo:  host,
		BuildType: buildType,
	}
}

// Load reads and parses a profile from its canonical INI-like (TOML) file.
func Load(path string) (Profile, error) {
	var p Profile
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &p); err != nil {
		return Profile{}, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	p.sortTools()
	return p, nil
}

// Save writes the profile's canonical textual form to path.
//
// If replaceIfExists is false and the file already exists, Save fails
// rather than clobbering an existing profile. Save writes only the one
// file at path; it writes no "default" marker alongside it.
func Save(path string, p Profile, replaceIfExists bool) error {
	if !replaceIfExists {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("profile: %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("profile: mkdir %s: %w", filepath.Dir(path), err)
	}

	text, err := p.CanonicalText()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("profile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("profile: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

func (p *Profile) sortTools() {
	sort.Slice(p.Tools, func(i, j int) bool { return p.Tools[i].ID < p.Tools[j].ID })
}

// CanonicalText renders the profile as its canonical TOML form: tools
// sorted by id, stable field order. Two profiles with the same contents
// always render identical text, which is the property DigestHash relies on.
func (p Profile) CanonicalText() (string, error) {
	canon := p
	canon.sortTools()

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(canon); err != nil {
		return "", fmt.Errorf("profile: encode: %w", err)
	}
	return buf.String(), nil
}

// DigestHash is the canonical fingerprint of the profile: SHA-256 over its
// CanonicalText, hex-encoded. Two profiles are equivalent iff their digests
// match.
func (p Profile) DigestHash() (string, error) {
	text, err := p.CanonicalText()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), nil
}

// Subset returns a profile restricted to the tools named in requiredToolIDs,
// sorted by id. Unknown tool ids are silently dropped: a recipe
// may declare tools the host profile never discovered.
func (p Profile) Subset(requiredToolIDs []string) Profile {
	byID := make(map[string]Tool, len(p.Tools))
	for _, t := range p.Tools {
		byID[t.ID] = t
	}

	out := p
	out.Tools = nil
	for _, id := range requiredToolIDs {
		if t, ok := byID[id]; ok {
			out.Tools = append(out.Tools, t)
		}
	}
	out.sortTools()
	return out
}

// CollectEnvironment writes the well-known environment variables a profile
// implies into env: per-tool CC/CXX/DC-style variables derived from the
// tool's conventional env key, a <TOOL>_FLAGS placeholder, and PATH
// augmented with each tool's containing directory.
func (p Profile) CollectEnvironment(env map[string]string) {
	if env == nil {
		return
	}

	var pathAdds []string
	for _, t := range p.Tools {
		key := envKeyForTool(t.ID)
		if t.Path != "" {
			env[key] = t.Path
			pathAdds = append(pathAdds, filepath.Dir(t.Path))
		}
		flagsKey := key + "_FLAGS"
		if _, ok := env[flagsKey]; !ok {
			env[flagsKey] = ""
		}
	}

	if len(pathAdds) == 0 {
		return
	}
	existing := env["PATH"]
	if existing == "" {
		existing = os.Getenv("PATH")
	}
	sep := string(os.PathListSeparator)
	joined := existing
	for _, dir := range pathAdds {
		joined = dir + sep + joined
	}
	env["PATH"] = joined
}

// envKeyForTool maps a tool id (dc, cc, c++, ld, ar, ...) to the
// environment variable convention compilers expect.
func envKeyForTool(id string) string {
	switch id {
	case "cc":
		return "CC"
	case "c++", "cxx":
		return "CXX"
	case "dc":
		return "DC"
	case "ld":
		return "LD"
	case "ar":
		return "AR"
	default:
		return id
	}
}
