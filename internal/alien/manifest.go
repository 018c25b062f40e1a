// Package alien adapts a foreign ecosystem's own package metadata into a
// build: a ninja-like compile/link plan plus a pkg-config file, generated
// from the alien package's declared source lists, include directories,
// version/debug identifiers, and linker flags (spec §4.J).
package alien

import "encoding/json"

// Dependency is one alien package's dependency on another alien (or
// native) submodule, translated to the native DepSpec shape by the
// depservices alien provider.
type Dependency struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
}

// Manifest is the alien ecosystem's own declared package metadata, read
// from the package's manifest file (dop-alien.json) the way the native
// engine reads dopamine.lua.
type Manifest struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description"`
	License     string       `json:"license"`

	SourceFiles   []string `json:"sourceFiles"`
	IncludeDirs   []string `json:"includeDirs"`
	VersionIdents []string `json:"versionIdents"`
	DebugIdents   []string `json:"debugIdents"`
	LinkerFlags   []string `json:"linkerFlags"`

	Dependencies []Dependency `json:"dependencies"`
}

// ParseManifest decodes a dop-alien.json payload.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
