// Package tokenest provides the deterministic token estimator shared by
// eviction decisions and the context brief. The formula is fixed: callers
// must not substitute a different counter for a subset of the paths.
package tokenest

import "unicode/utf8"

// Estimate returns a conservative token estimate: ceil(runes / 4).
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// EstimateAll sums Estimate over every string.
func EstimateAll(parts []string) int {
	total := 0
	for _, p := range parts {
		total += Estimate(p)
	}
	return total
}
