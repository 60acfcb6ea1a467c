// Package util contains misc internal utilities.
package util

import "cmp"

// Limiter holds a closed interval [Min, Max]
type Limiter struct {
	Min float64 `json:"min" yaml:"min" koanf:"min"`
	Max float64 `json:"max" yaml:"max" koanf:"max"`
}

// Check returns true if Min <= f <= Max
func (l Limiter) Check(f float64) bool {
	return f >= l.Min && f <= l.Max
}

// Clamp limits v to [low, high]
func Clamp[T cmp.Ordered](v, low, high T) T {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

// UniqueInt returns the unique elements of is, in order of first appearance
func UniqueInt(is []int) []int {
	seen := make(map[int]struct{}, len(is))
	out := make([]int, 0, len(is))
	for _, v := range is {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
