package catalogref

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"dmsdk/internal/domain"
)

// ErrNoMatchingVersion is returned when no available version satisfies a policy.
var ErrNoMatchingVersion = errors.New("no matching version")

// VersionRange is an interval in NuGet notation: "1.0" (minimum, inclusive),
// "[1.0]" (exact), "[1.0,2.0)", "(,2.0]", "(1.0,)".
type VersionRange struct {
	Min          string
	Max          string
	MinInclusive bool
	MaxInclusive bool
}

// ParseRange parses a range expression. Versions have one to four numeric
// components ("1.0", "1.0.0", "1.0.0.1") and an optional prerelease.
func ParseRange(expr string) (VersionRange, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return VersionRange{}, fmt.Errorf("empty version range")
	}
	first, last := s[0], s[len(s)-1]
	if first != '[' && first != '(' {
		if _, ok := parseVersion(s); !ok {
			return VersionRange{}, fmt.Errorf("invalid version %q in range", s)
		}
		return VersionRange{Min: s, MinInclusive: true}, nil
	}
	if last != ']' && last != ')' {
		return VersionRange{}, fmt.Errorf("invalid version range %q", expr)
	}
	r := VersionRange{MinInclusive: first == '[', MaxInclusive: last == ']'}
	inner := s[1 : len(s)-1]
	parts := strings.Split(inner, ",")
	switch len(parts) {
	case 1:
		if !r.MinInclusive || !r.MaxInclusive {
			return VersionRange{}, fmt.Errorf("exact version range %q must use brackets", expr)
		}
		v := strings.TrimSpace(parts[0])
		if _, ok := parseVersion(v); !ok {
			return VersionRange{}, fmt.Errorf("invalid version %q in range", parts[0])
		}
		r.Min, r.Max = v, v
	case 2:
		if lo := strings.TrimSpace(parts[0]); lo != "" {
			if _, ok := parseVersion(lo); !ok {
				return VersionRange{}, fmt.Errorf("invalid version %q in range", lo)
			}
			r.Min = lo
		}
		if hi := strings.TrimSpace(parts[1]); hi != "" {
			if _, ok := parseVersion(hi); !ok {
				return VersionRange{}, fmt.Errorf("invalid version %q in range", hi)
			}
			r.Max = hi
		}
		if r.Min == "" && r.Max == "" {
			return VersionRange{}, fmt.Errorf("version range %q has no bounds", expr)
		}
	default:
		return VersionRange{}, fmt.Errorf("invalid version range %q", expr)
	}
	return r, nil
}

// Contains reports whether s lies inside the range.
func (r VersionRange) Contains(s string) bool {
	v, ok := parseVersion(s)
	if !ok {
		return false
	}
	if r.Min != "" {
		lo, ok := parseVersion(r.Min)
		if !ok {
			return false
		}
		c := v.compare(lo)
		if c < 0 || (c == 0 && !r.MinInclusive) {
			return false
		}
	}
	if r.Max != "" {
		hi, ok := parseVersion(r.Max)
		if !ok {
			return false
		}
		c := v.compare(hi)
		if c > 0 || (c == 0 && !r.MaxInclusive) {
			return false
		}
	}
	return true
}

// SelectVersion picks the version to download from the available ones. A
// pinned policy needs an exact match; a range picks the newest version
// inside the range, skipping prereleases unless the policy allows them.
func SelectVersion(available []string, policy domain.SelectionPolicy) (string, error) {
	switch policy.Kind {
	case domain.SelectPinned:
		want, ok := parseVersion(policy.Version)
		for _, v := range available {
			if v == policy.Version {
				return v, nil
			}
			if pv, valid := parseVersion(v); ok && valid && pv.compare(want) == 0 {
				return v, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrNoMatchingVersion, policy)
	case domain.SelectRange:
		r, err := ParseRange(policy.Range)
		if err != nil {
			return "", err
		}
		var (
			best       string
			bestParsed version
		)
		for _, v := range available {
			pv, ok := parseVersion(v)
			if !ok || !r.Contains(v) {
				continue
			}
			if pv.pre != "" && !policy.AllowPrerelease {
				continue
			}
			if best == "" || pv.compare(bestParsed) > 0 {
				best, bestParsed = v, pv
			}
		}
		if best == "" {
			return "", fmt.Errorf("%w: %s", ErrNoMatchingVersion, policy)
		}
		return best, nil
	default:
		return "", fmt.Errorf("unsupported selection policy %s", policy)
	}
}

// version is a parsed NuGet-style version. Missing numeric components are
// zero, so "1.0" and "1.0.0.0" compare equal.
type version struct {
	parts [4]uint64
	pre   string
}

func parseVersion(s string) (version, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	core, pre, hasPre := strings.Cut(s, "-")
	nums := strings.Split(core, ".")
	if core == "" || len(nums) > 4 || (hasPre && pre == "") {
		return version{}, false
	}
	var v version
	for i, n := range nums {
		if n == "" || strings.TrimLeft(n, "0123456789") != "" {
			return version{}, false
		}
		x, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return version{}, false
		}
		v.parts[i] = x
	}
	if pre != "" && !semver.IsValid("v0.0.0-"+pre) {
		return version{}, false
	}
	v.pre = pre
	return v, true
}

// compare orders numeric components first, then prereleases by semver
// rules: a release sorts after any of its prereleases.
func (v version) compare(o version) int {
	for i := range v.parts {
		switch {
		case v.parts[i] < o.parts[i]:
			return -1
		case v.parts[i] > o.parts[i]:
			return 1
		}
	}
	return semver.Compare(v.semverPre(), o.semverPre())
}

func (v version) semverPre() string {
	if v.pre == "" {
		return "v0.0.0"
	}
	return "v0.0.0-" + v.pre
}
