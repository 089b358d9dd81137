package pagecache

// MatchPattern reports whether the path matches the glob pattern. The only
// wildcard is '*', which matches any run of characters including '/', so
// "/blog/*" covers nested paths. All other characters match literally.
// The same semantics apply to whitelist and blacklist rules, per-pattern
// TTL overrides, and pattern-based flushes.
func MatchPattern(pattern, path string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, 0

	for sx < len(path) {
		switch {
		case px < len(pattern) && pattern[px] == '*':
			starPx, starSx = px, sx
			px++
		case px < len(pattern) && pattern[px] == path[sx]:
			px++
			sx++
		case starPx >= 0:
			// Backtrack: let the last '*' consume one more character.
			starSx++
			px, sx = starPx+1, starSx
		default:
			return false
		}
	}

	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// MatchAny reports whether the path matches any of the patterns.
func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if MatchPattern(p, path) {
			return true
		}
	}
	return false
}
