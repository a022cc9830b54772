package policy

import (
	"strconv"
	"strings"
)

// MatchVersion reports whether candidate satisfies pattern. Supported
// specifiers are an exact version, "latest" and "*" (match anything),
// "^X.Y.Z" (same major, at least X.Y.Z) and "~X.Y.Z" (same major and
// minor, at least X.Y.Z). Ranges, hyphen ranges and pre-release tags are
// not understood and never match unless the strings are identical.
func MatchVersion(pattern, candidate string) bool {
	pattern = strings.TrimSpace(pattern)
	candidate = strings.TrimSpace(candidate)

	if pattern == candidate {
		return true
	}
	switch pattern {
	case "latest", "*":
		return true
	case "":
		return false
	}

	switch pattern[0] {
	case '^':
		want, ok := parseVersion(pattern[1:])
		if !ok {
			return false
		}
		got, ok := parseVersion(candidate)
		if !ok {
			return false
		}
		return got[0] == want[0] && compareVersions(got, want) >= 0
	case '~':
		want, ok := parseVersion(pattern[1:])
		if !ok {
			return false
		}
		got, ok := parseVersion(candidate)
		if !ok {
			return false
		}
		return got[0] == want[0] && got[1] == want[1] && compareVersions(got, want) >= 0
	}
	return false
}

// parseVersion reads up to three dot separated non-negative integers.
// Missing components are zero. A leading "v" is ignored.
func parseVersion(s string) ([3]int, bool) {
	var v [3]int
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return v, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return v, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, false
		}
		v[i] = n
	}
	return v, true
}

func compareVersions(a, b [3]int) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
