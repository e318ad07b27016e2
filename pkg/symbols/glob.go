package symbols

import "strings"

func hasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// literalPrefix returns the part of pattern before the first wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// matchGlob reports whether name matches pattern. '*' matches any run of
// characters and '?' exactly one, every other character matches itself.
// Symbol names routinely contain '[', '\\' and '/', so path.Match and
// filepath.Match do not fit.
func matchGlob(pattern, name string) bool {
	p, n := []rune(pattern), []rune(name)
	pi, ni := 0, 0
	star, mark := -1, 0
	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = ni
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			ni = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
