// Package period provides time-period parsing and small numeric helpers
// shared by the strategy and job layers. Periods are written the way
// exchange timeframes are ("30s", "15m", "1h", "7d") and converted to
// milliseconds.
package period

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Millisecond counts per unit.
const (
	Second int64 = 1_000
	Minute int64 = 60_000
	Hour   int64 = 3_600_000
	Day    int64 = 86_400_000
)

// ToMs parses a period string such as "1s", "5m", "1h" or "2d" into
// milliseconds. The numeric prefix scales the trailing unit; a missing
// prefix means 1.
func ToMs(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("parse period: empty string")
	}

	var unit int64
	switch s[len(s)-1] {
	case 's':
		unit = Second
	case 'm':
		unit = Minute
	case 'h':
		unit = Hour
	case 'd':
		unit = Day
	default:
		return 0, fmt.Errorf("parse period %q: unknown unit %q", s, s[len(s)-1])
	}

	prefix := s[:len(s)-1]
	if prefix == "" {
		return unit, nil
	}
	n, err := strconv.ParseFloat(prefix, 64)
	if err != nil {
		return 0, fmt.Errorf("parse period %q: %w", s, err)
	}
	return int64(n * float64(unit)), nil
}

// Clamp limits v to the closed interval [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RandomBetween returns a uniformly distributed value in [lo, hi).
func RandomBetween(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

// Gaussian draws an approximately normal value with the given mean and
// standard deviation using the Irwin-Hall construction: the sum of n
// uniform draws, standardized. n defaults to 6 when <= 0.
func Gaussian(mean, stddev float64, n int) float64 {
	if n <= 0 {
		n = 6
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += rand.Float64()
	}
	// sum has mean n/2 and variance n/12.
	norm := (sum - float64(n)/2) / math.Sqrt(float64(n)/12)
	return mean + stddev*norm
}
