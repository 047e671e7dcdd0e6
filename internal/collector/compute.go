package collector

import (
	"sort"
	"time"

	"calltrace/internal/core"
)

// Summary describes one finished run.
type Summary struct {
	Total       int
	Outcomes    map[core.Outcome]int
	Events      int
	WriteErrors int
	RunDuration time.Duration
	TestsPerSec float64
	Duration    DurationMetrics
	Workers     map[int]*WorkerStats
	Traces      []TraceEntry
}

// WorkerStats are the per-worker totals.
type WorkerStats struct {
	Tests    int
	Events   int
	Duration DurationMetrics
}

// TraceEntry indexes one test's trace file.
type TraceEntry struct {
	TestID  core.TestID  `json:"test_id"`
	Outcome core.Outcome `json:"outcome"`
	File    string       `json:"file,omitempty"`
	Events  int          `json:"events"`
	Error   string       `json:"error,omitempty"`
}

// DurationMetrics contains test duration statistics.
type DurationMetrics struct {
	Min time.Duration
	Max time.Duration
	Avg time.Duration
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// Passed reports whether every test passed and every trace was written.
func (s *Summary) Passed() bool {
	return s.Outcomes[core.OutcomePass] == s.Total && s.WriteErrors == 0
}

// ComputeSummary aggregates results. Pure function, no side effects.
func ComputeSummary(results []core.Result, runDuration time.Duration) *Summary {
	s := &Summary{
		Total:       len(results),
		Outcomes:    make(map[core.Outcome]int),
		RunDuration: runDuration,
		Workers:     make(map[int]*WorkerStats),
		Traces:      make([]TraceEntry, 0, len(results)),
	}
	if len(results) == 0 {
		return s
	}

	all := make([]time.Duration, 0, len(results))
	perWorker := make(map[int][]time.Duration)
	for _, r := range results {
		s.Outcomes[r.Outcome]++
		s.Events += r.Events
		all = append(all, r.Duration)

		ws, ok := s.Workers[r.Worker]
		if !ok {
			ws = &WorkerStats{}
			s.Workers[r.Worker] = ws
		}
		ws.Tests++
		ws.Events += r.Events
		perWorker[r.Worker] = append(perWorker[r.Worker], r.Duration)

		entry := TraceEntry{TestID: r.TestID, Outcome: r.Outcome, File: r.File, Events: r.Events}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		if r.File == "" {
			s.WriteErrors++
		}
		s.Traces = append(s.Traces, entry)
	}

	sort.Slice(s.Traces, func(i, j int) bool { return s.Traces[i].TestID < s.Traces[j].TestID })
	if runDuration > 0 {
		s.TestsPerSec = float64(s.Total) / runDuration.Seconds()
	}
	s.Duration = ComputeDurationMetrics(all)
	for w, d := range perWorker {
		s.Workers[w].Duration = ComputeDurationMetrics(d)
	}
	return s
}

// ComputePercentile returns the nearest-rank percentile p (0..1) of an
// ascending slice.
func ComputePercentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// ComputeDurationMetrics calculates duration statistics.
func ComputeDurationMetrics(durations []time.Duration) DurationMetrics {
	if len(durations) == 0 {
		return DurationMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return DurationMetrics{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: total / time.Duration(len(sorted)),
		P50: ComputePercentile(sorted, 0.50),
		P90: ComputePercentile(sorted, 0.90),
		P95: ComputePercentile(sorted, 0.95),
		P99: ComputePercentile(sorted, 0.99),
	}
}
