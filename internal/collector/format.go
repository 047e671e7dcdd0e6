package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"calltrace/internal/core"
)

var outcomeOrder = []core.Outcome{core.OutcomePass, core.OutcomeFail, core.OutcomeError, core.OutcomeInfraError}

// FormatText writes the summary in human-readable form.
func FormatText(w io.Writer, s *Summary, run core.RunManifest) {
	if s.Total == 0 {
		fmt.Fprintln(w, "No tests traced")
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "calltrace - Trace Results")
	fmt.Fprintln(w, "=========================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Run:            %s\n", run.RunID)
	fmt.Fprintf(w, "Output:         %s\n", run.OutputDir)
	fmt.Fprintf(w, "Duration:       %v\n", s.RunDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Tests:          %s\n", formatNumber(s.Total))
	for _, o := range outcomeOrder {
		fmt.Fprintf(w, "  %-13s %s\n", o+":", formatNumber(s.Outcomes[o]))
	}
	fmt.Fprintf(w, "Call events:    %s\n", formatNumber(s.Events))
	fmt.Fprintf(w, "Write errors:   %d\n", s.WriteErrors)
	fmt.Fprintf(w, "Tests/sec:      %.1f\n", s.TestsPerSec)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Test Durations:")
	fmt.Fprintf(w, "  Min:    %s\n", FormatDuration(s.Duration.Min))
	fmt.Fprintf(w, "  Avg:    %s\n", FormatDuration(s.Duration.Avg))
	fmt.Fprintf(w, "  P50:    %s\n", FormatDuration(s.Duration.P50))
	fmt.Fprintf(w, "  P90:    %s\n", FormatDuration(s.Duration.P90))
	fmt.Fprintf(w, "  P99:    %s\n", FormatDuration(s.Duration.P99))
	fmt.Fprintf(w, "  Max:    %s\n", FormatDuration(s.Duration.Max))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "By Worker:")
	for _, id := range sortedWorkers(s.Workers) {
		ws := s.Workers[id]
		fmt.Fprintf(w, "  worker %-3d %s tests   %s events   avg=%s\n",
			id, formatNumber(ws.Tests), formatNumber(ws.Events), FormatDuration(ws.Duration.Avg))
	}

	var problems []TraceEntry
	for _, t := range s.Traces {
		if t.Outcome != core.OutcomePass || t.Error != "" {
			problems = append(problems, t)
		}
	}
	if s.Passed() {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "✓ All tests passed and every trace was written")
	} else if len(problems) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Not passed:")
		for _, t := range problems {
			if t.Error != "" {
				fmt.Fprintf(w, "  ✗ %s [%s] %s\n", t.TestID, t.Outcome, t.Error)
			} else {
				fmt.Fprintf(w, "  ✗ %s [%s]\n", t.TestID, t.Outcome)
			}
		}
	}
}

type jsonSummary struct {
	RunID       string                `json:"runId"`
	ProjectRoot string                `json:"projectRoot"`
	OutputDir   string                `json:"outputDir"`
	Framework   string                `json:"framework"`
	Random      bool                  `json:"random"`
	Seed        int64                 `json:"seed"`
	MaxTests    *int                  `json:"maxTests"`
	Duration    string                `json:"duration"`
	Total       int                   `json:"total"`
	Passed      bool                  `json:"passed"`
	Outcomes    map[core.Outcome]int  `json:"outcomes"`
	Events      int                   `json:"events"`
	WriteErrors int                   `json:"writeErrors"`
	TestsPerSec float64               `json:"testsPerSec"`
	Durations   jsonDurationMetrics   `json:"durations"`
	Workers     map[string]jsonWorker `json:"workers"`
	Traces      []TraceEntry          `json:"traces"`
}

type jsonDurationMetrics struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Avg string `json:"avg"`
	P50 string `json:"p50"`
	P90 string `json:"p90"`
	P95 string `json:"p95"`
	P99 string `json:"p99"`
}

type jsonWorker struct {
	Tests     int                 `json:"tests"`
	Events    int                 `json:"events"`
	Durations jsonDurationMetrics `json:"durations"`
}

// FormatJSON writes the summary as indented JSON.
func FormatJSON(w io.Writer, s *Summary, run core.RunManifest) error {
	out := jsonSummary{
		RunID:       run.RunID,
		ProjectRoot: run.ProjectRoot,
		OutputDir:   run.OutputDir,
		Framework:   run.Framework,
		Random:      run.Random,
		Seed:        run.Seed,
		MaxTests:    run.MaxTests,
		Duration:    s.RunDuration.Round(time.Millisecond).String(),
		Total:       s.Total,
		Passed:      s.Passed(),
		Outcomes:    make(map[core.Outcome]int, len(outcomeOrder)),
		Events:      s.Events,
		WriteErrors: s.WriteErrors,
		TestsPerSec: s.TestsPerSec,
		Durations:   toJSONDurationMetrics(s.Duration),
		Workers:     make(map[string]jsonWorker, len(s.Workers)),
		Traces:      s.Traces,
	}
	for _, o := range outcomeOrder {
		out.Outcomes[o] = s.Outcomes[o]
	}
	for id, ws := range s.Workers {
		out.Workers[fmt.Sprintf("%d", id)] = jsonWorker{
			Tests:     ws.Tests,
			Events:    ws.Events,
			Durations: toJSONDurationMetrics(ws.Duration),
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}

// WriteFile stores the JSON summary at path, replacing any previous file
// atomically.
func WriteFile(path string, s *Summary, run core.RunManifest) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = FormatJSON(tmp, s, run); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func toJSONDurationMetrics(d DurationMetrics) jsonDurationMetrics {
	return jsonDurationMetrics{
		Min: FormatDuration(d.Min),
		Max: FormatDuration(d.Max),
		Avg: FormatDuration(d.Avg),
		P50: FormatDuration(d.P50),
		P90: FormatDuration(d.P90),
		P95: FormatDuration(d.P95),
		P99: FormatDuration(d.P99),
	}
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

func sortedWorkers(m map[int]*WorkerStats) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, n/1000%1000, n%1000)
}
