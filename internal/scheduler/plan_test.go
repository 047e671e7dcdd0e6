package scheduler

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"calltrace/internal/core"
)

func ids(n int) []core.TestID {
	out := make([]core.TestID, n)
	for i := range out {
		out[i] = core.TestID(fmt.Sprintf("tests/test_m.py::test_%02d", i))
	}
	return out
}

func intp(n int) *int { return &n }

func TestPlanKeepsOrderWithoutShuffle(t *testing.T) {
	in := ids(5)
	assert.Equal(t, in, Plan(in, false, DefaultSeed, nil))
}

func TestPlanIsDeterministicForASeed(t *testing.T) {
	in := ids(50)
	first := Plan(in, true, 7, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Plan(in, true, 7, nil))
	}
	assert.NotEqual(t, in, first, "50 tests shuffled into identity order is not plausible")
	assert.NotEqual(t, first, Plan(in, true, 8, nil))
}

func TestPlanIsAPermutation(t *testing.T) {
	in := ids(30)
	out := Plan(in, true, DefaultSeed, nil)

	got := append([]core.TestID(nil), out...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, in, got)
}

func TestPlanDoesNotModifyInput(t *testing.T) {
	in := ids(10)
	before := append([]core.TestID(nil), in...)
	Plan(in, true, 1, intp(3))
	assert.Equal(t, before, in)
}

func TestPlanCap(t *testing.T) {
	in := ids(10)
	tests := []struct {
		name string
		max  *int
		want int
	}{
		{"no cap", nil, 10},
		{"zero means all", intp(0), 10},
		{"negative means all", intp(-1), 10},
		{"cap", intp(3), 3},
		{"cap above size", intp(25), 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Len(t, Plan(in, true, DefaultSeed, tc.max), tc.want)
		})
	}
}

func TestPlanCapsAfterShuffle(t *testing.T) {
	in := ids(20)
	full := Plan(in, true, DefaultSeed, nil)
	capped := Plan(in, true, DefaultSeed, intp(5))
	assert.Equal(t, full[:5], capped)
}

func TestPlanEmpty(t *testing.T) {
	assert.Empty(t, Plan(nil, true, DefaultSeed, intp(3)))
}
