// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// SecsToDuration converts a floating point number of seconds to a time.Duration.
// Negative and NaN inputs give zero
func SecsToDuration(secs float64) time.Duration {
	if math.IsNaN(secs) || secs <= 0 {
		return 0
	}
	return time.Duration(math.Round(secs * float64(time.Second)))
}

// UniqueString returns the unique elements of a slice of strings, in the
// order they first appear
func UniqueString(strs []string) []string {
	seen := make(map[string]struct{}, len(strs))
	out := make([]string, 0, len(strs))
	for _, s := range strs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
