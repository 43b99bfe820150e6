package pacing

import "math/rand/v2"

// Rand is the subset of math/rand/v2 used for uniform choices and shuffles.
type Rand interface {
	IntN(n int) int
	Shuffle(n int, swap func(i, j int))
}

// GlobalRand delegates to the goroutine-safe top-level math/rand/v2 functions.
type GlobalRand struct{}

// IntN implements Rand.
func (GlobalRand) IntN(n int) int { return rand.IntN(n) }

// Shuffle implements Rand.
func (GlobalRand) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// Choice returns a uniformly random element of items, or "" when items is empty.
func Choice(r Rand, items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[r.IntN(len(items))]
}
