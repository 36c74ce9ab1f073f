// Package version implements semantic version parsing and comparison for
// the update state machine, grounded on
// original_source/src/mcp_raspi/updates/version.py.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// semverPattern follows the semver.org 2.0 grammar. A leading "v" is
// rejected — callers that need it stripped (e.g. "v1.2.3" directory names)
// must strip it themselves before calling Parse.
var semverPattern = regexp.MustCompile(
	`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`,
)

// Version is a parsed semantic version.
type Version struct {
	Major, Minor, Patch int
	Prerelease          string
	Build               string
}

// String renders the version back to its canonical semver form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Parse parses a semantic version string. A "v" prefix is rejected, matching
// original_source's parse_semantic_version, which requires the caller to
// strip presentation prefixes before parsing.
func Parse(s string) (Version, error) {
	if strings.HasPrefix(s, "v") || strings.HasPrefix(s, "V") {
		return Version{}, ctlerr.InvalidArgumentf(map[string]any{"version": s}, "version: must not have a 'v' prefix")
	}
	m := semverPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, ctlerr.InvalidArgumentf(map[string]any{"version": s}, "version: %q is not a valid semantic version", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return Version{Major: major, Minor: minor, Patch: patch, Prerelease: m[4], Build: m[5]}, nil
}

// Compare returns -1, 0, or 1 if a is less than, equal to, or greater than b,
// following semver precedence: major.minor.patch first, then prerelease
// (a version without a prerelease outranks one with, per semver 2.0 §11).
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	return comparePrerelease(a.Prerelease, b.Prerelease)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func comparePrerelease(a, b string) int {
	if a == "" && b == "" {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")
	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		if c := comparePrereleasePart(aParts[i], bParts[i]); c != 0 {
			return c
		}
	}
	return compareInt(len(aParts), len(bParts))
}

func comparePrereleasePart(a, b string) int {
	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		return compareInt(an, bn)
	}
	if aErr == nil {
		return -1
	}
	if bErr == nil {
		return 1
	}
	return strings.Compare(a, b)
}
