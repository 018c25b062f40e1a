package semver

import (
	"fmt"
	"strings"

	mmsemver "github.com/Masterminds/semver/v3"
)

// Spec is a predicate over Version constructed from an operator and operand,
// e.g. "==1.2.3", ">=1.2", "~>1.2.0", or "*" (matches everything).
type Spec struct {
	raw    string
	any    bool
	constr *mmsemver.Constraints
}

// Any is the VersionSpec that matches every version.
var Any = Spec{raw: "*", any: true}

// ParseSpec parses a version spec string.
//
// Recognized forms: "*" (any), "==v" (exact), ">=v", ">v", "<=v", "<v",
// "~>v" (pessimistic/tilde: compatible within the next significant digit).
// "~>" is translated to the equivalent tilde-style range understood by the
// underlying constraint engine.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Any, nil
	}

	expr := s
	if strings.HasPrefix(s, "~>") {
		expr = "~" + strings.TrimSpace(strings.TrimPrefix(s, "~>"))
	} else if strings.HasPrefix(s, "==") {
		expr = "=" + strings.TrimSpace(strings.TrimPrefix(s, "=="))
	}

	c, err := mmsemver.NewConstraint(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("semver: parse spec %q: %w", s, err)
	}
	return Spec{raw: s, constr: c}, nil
}

// MustParseSpec parses s or panics.
func MustParseSpec(s string) Spec {
	spec, err := ParseSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// String returns the original spec text.
func (s Spec) String() string {
	if s.raw == "" {
		return "*"
	}
	return s.raw
}

// Matches reports whether v satisfies the spec. Spec("*") matches all v.
func (s Spec) Matches(v Version) bool {
	if s.any || s.constr == nil {
		return true
	}
	ok, _ := s.constr.Validate(v.v)
	return ok
}

// Intersect narrows a collection of candidate versions to those satisfying
// every spec in specs. Returns the matching subset, which may be empty.
func Intersect(specs []Spec, candidates []Version) []Version {
	var out []Version
	for _, v := range candidates {
		ok := true
		for _, s := range specs {
			if !s.Matches(v) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, v)
		}
	}
	return out
}
