// Package semver wraps ordered version comparison and version-spec
// predicates used throughout the resolver and dep services.
package semver

import (
	"fmt"
	"sort"

	mmsemver "github.com/Masterminds/semver/v3"
)

// Version is an ordered, parseable, canonically-printable version number.
// parse(toString(v)) always yields an equal Version.
type Version struct {
	v *mmsemver.Version
}

// Parse parses a version string such as "1.2.3", "1.2.3-rc.1+build.5".
func Parse(s string) (Version, error) {
	v, err := mmsemver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse %q: %w", s, err)
	}
	return Version{v: v}, nil
}

// MustParse parses s or panics. Intended for literal, known-good versions.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the canonical textual form.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	return v.v.Compare(o.v)
}

// LessThan reports whether v sorts before o.
func (v Version) LessThan(o Version) bool { return v.Compare(o) < 0 }

// Equal reports whether v and o compare equal.
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// GreaterThan reports whether v sorts after o.
func (v Version) GreaterThan(o Version) bool { return v.Compare(o) > 0 }

// IsZero reports whether v is the unparsed zero value.
func (v Version) IsZero() bool { return v.v == nil }

// Major, Minor, Patch, Prerelease, Metadata expose the decomposed fields.
func (v Version) Major() int64        { return v.v.Major() }
func (v Version) Minor() int64        { return v.v.Minor() }
func (v Version) Patch() int64        { return v.v.Patch() }
func (v Version) Prerelease() string  { return v.v.Prerelease() }
func (v Version) Metadata() string    { return v.v.Metadata() }

// Sort sorts versions ascending in place.
func Sort(versions []Version) {
	sort.Slice(versions, func(i, j int) bool { return versions[i].LessThan(versions[j]) })
}

// Highest returns the greatest version in versions, and false if versions is empty.
func Highest(versions []Version) (Version, bool) {
	if len(versions) == 0 {
		return Version{}, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if v.GreaterThan(best) {
			best = v
		}
	}
	return best, true
}
