package collector

import (
	"testing"
	"time"

	"calltrace/internal/core"
)

func TestComputeSummary_Empty(t *testing.T) {
	s := ComputeSummary(nil, time.Second)
	if s.Total != 0 || s.Events != 0 {
		t.Errorf("expected empty summary, got %+v", s)
	}
	if s.Outcomes == nil || s.Workers == nil || s.Traces == nil {
		t.Error("maps and slices should be initialized")
	}
}

func TestComputeSummary_Counts(t *testing.T) {
	results := []core.Result{
		result("t2", core.OutcomePass, 1, 10*time.Millisecond),
		result("t1", core.OutcomeFail, 2, 20*time.Millisecond),
		result("t3", core.OutcomeInfraError, 1, 30*time.Millisecond),
	}
	s := ComputeSummary(results, time.Second)

	if s.Events != 30 {
		t.Errorf("expected 30 events, got %d", s.Events)
	}
	if s.Workers[1].Tests != 2 || s.Workers[2].Tests != 1 {
		t.Errorf("unexpected per-worker counts: w1=%d w2=%d", s.Workers[1].Tests, s.Workers[2].Tests)
	}
	if s.Workers[1].Duration.Avg != 20*time.Millisecond {
		t.Errorf("expected worker 1 avg 20ms, got %v", s.Workers[1].Duration.Avg)
	}
	if s.Traces[0].TestID != "t1" || s.Traces[2].TestID != "t3" {
		t.Errorf("traces should be sorted by test id, got %v", s.Traces)
	}
	if s.Duration.Min != 10*time.Millisecond || s.Duration.Max != 30*time.Millisecond {
		t.Errorf("unexpected duration bounds %+v", s.Duration)
	}
}

func TestComputeSummary_AllPassed(t *testing.T) {
	s := ComputeSummary([]core.Result{result("a", core.OutcomePass, 1, time.Millisecond)}, time.Second)
	if !s.Passed() {
		t.Error("expected summary to pass")
	}
}

func TestComputeSummary_ZeroDuration(t *testing.T) {
	s := ComputeSummary([]core.Result{result("a", core.OutcomePass, 1, time.Millisecond)}, 0)
	if s.TestsPerSec != 0 {
		t.Errorf("expected 0 tests/sec for zero run duration, got %v", s.TestsPerSec)
	}
}

func TestComputeSummary_DoesNotModifyInput(t *testing.T) {
	results := []core.Result{
		result("b", core.OutcomePass, 1, 30*time.Millisecond),
		result("a", core.OutcomePass, 1, 10*time.Millisecond),
	}
	ComputeSummary(results, time.Second)
	if results[0].TestID != "b" || results[0].Duration != 30*time.Millisecond {
		t.Error("input slice was modified")
	}
}

func TestComputePercentile(t *testing.T) {
	sorted := make([]time.Duration, 100)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, time.Millisecond},
		{0.5, 50 * time.Millisecond},
		{0.9, 90 * time.Millisecond},
		{0.99, 99 * time.Millisecond},
		{1, 100 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := ComputePercentile(sorted, tc.p); got != tc.want {
			t.Errorf("ComputePercentile(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}

	if got := ComputePercentile(nil, 0.5); got != 0 {
		t.Errorf("expected 0 for empty slice, got %v", got)
	}
}

func BenchmarkComputeSummary(b *testing.B) {
	results := make([]core.Result, 1000)
	for i := range results {
		results[i] = result("t", core.OutcomePass, i%8, time.Duration(i)*time.Millisecond)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeSummary(results, time.Minute)
	}
}
