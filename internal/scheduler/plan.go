// Package scheduler orders the discovered tests and fans them out to a
// pool of workers.
package scheduler

import (
	"math/rand"

	"calltrace/internal/core"
)

// DefaultSeed is the shuffle seed when none is configured.
const DefaultSeed = 42

// Plan returns the tests to run, in order. With random set the tests are
// shuffled by a generator seeded with seed, so equal inputs always give the
// same order. The cap is applied after shuffling; nil or a non-positive
// cap keeps every test. The input slice is not modified.
func Plan(tests []core.TestID, random bool, seed int64, maxTests *int) []core.TestID {
	planned := make([]core.TestID, len(tests))
	copy(planned, tests)

	if random {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(planned), func(i, j int) {
			planned[i], planned[j] = planned[j], planned[i]
		})
	}

	if maxTests != nil && *maxTests > 0 && *maxTests < len(planned) {
		planned = planned[:*maxTests]
	}
	return planned
}
