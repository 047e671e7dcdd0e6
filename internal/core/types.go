package core

import (
	"fmt"
	"time"
)

// TestID addresses one discoverable test, e.g. "tests/test_api.py::TestUser::test_get"
// or "example.com/pkg::TestParse". It is the join key between scheduling,
// execution and output naming.
type TestID string

// Outcome is the recorded result of one traced test.
type Outcome string

const (
	OutcomePass       Outcome = "pass"
	OutcomeFail       Outcome = "fail"
	OutcomeError      Outcome = "error"
	OutcomeInfraError Outcome = "infra-error"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeError, OutcomeInfraError:
		return true
	}
	return false
}

// RunManifest describes one invocation. It is built once at startup and
// passed by value, so workers never share mutable run state.
type RunManifest struct {
	RunID       string
	ProjectRoot string
	OutputDir   string
	Framework   string
	Workers     int
	MaxTests    *int // nil means no cap
	Random      bool
	Seed        int64
	TestTimeout time.Duration
}

func (m RunManifest) String() string {
	limit := "all"
	if m.MaxTests != nil {
		limit = fmt.Sprintf("%d", *m.MaxTests)
	}
	return fmt.Sprintf("run %s: root=%s framework=%s workers=%d max_tests=%s random=%t seed=%d",
		m.RunID, m.ProjectRoot, m.Framework, m.Workers, limit, m.Random, m.Seed)
}
