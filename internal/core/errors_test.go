package core

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestInfraError_MatchesSentinelAndCause(t *testing.T) {
	err := error(&InfraError{TestID: "t::a", Op: "start", Err: os.ErrNotExist})

	if !errors.Is(err, ErrInfra) {
		t.Error("expected errors.Is(err, ErrInfra)")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("expected errors.Is(err, os.ErrNotExist)")
	}
	if errors.Is(err, ErrWrite) {
		t.Error("infra error must not match ErrWrite")
	}

	var infra *InfraError
	if !errors.As(err, &infra) || infra.Op != "start" {
		t.Errorf("errors.As returned %+v", infra)
	}
}

func TestDiscoveryError_Message(t *testing.T) {
	tests := []struct {
		name    string
		err     *DiscoveryError
		wantSub string
	}{
		{"full", &DiscoveryError{Root: "/p", Errs: []error{errors.New("boom")}}, "discovery failed in /p: boom"},
		{"partial", &DiscoveryError{Root: "/p", Partial: true, Errs: []error{errors.New("bad import")}}, "partially failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.err.Error(), tt.wantSub) {
				t.Errorf("Error() = %q, want substring %q", tt.err.Error(), tt.wantSub)
			}
			if !errors.Is(tt.err, ErrDiscovery) {
				t.Error("expected errors.Is(err, ErrDiscovery)")
			}
		})
	}
}

func TestWriteError_Unwrap(t *testing.T) {
	err := &WriteError{TestID: "t", Path: "/out/t.json", Err: os.ErrPermission}
	if !errors.Is(err, ErrWrite) || !errors.Is(err, os.ErrPermission) {
		t.Errorf("unexpected unwrap chain for %v", err)
	}
}

func TestOutcome_Valid(t *testing.T) {
	for _, o := range []Outcome{OutcomePass, OutcomeFail, OutcomeError, OutcomeInfraError} {
		if !o.Valid() {
			t.Errorf("%q should be valid", o)
		}
	}
	if Outcome("skipped").Valid() {
		t.Error("unknown outcome reported valid")
	}
}
