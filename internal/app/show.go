package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"calltrace/internal/collector"
	"calltrace/internal/config"
	"calltrace/internal/core"
	"calltrace/internal/index"
)

// ShowOptions selects a recorded run to print from the index.
type ShowOptions struct {
	Config *config.Config
	RunID  string
	Logger *slog.Logger
	Stdout io.Writer
	// Format is text or json.
	Format string
}

type shownRun struct {
	RunID    string               `json:"runId"`
	Total    int                  `json:"total"`
	Outcomes map[core.Outcome]int `json:"outcomes"`
	Traces   []shownTrace         `json:"traces"`
}

type shownTrace struct {
	TestID   core.TestID  `json:"test_id"`
	Outcome  core.Outcome `json:"outcome"`
	File     string       `json:"file,omitempty"`
	Events   int          `json:"events"`
	Duration string       `json:"duration"`
	Error    string       `json:"error,omitempty"`
}

// Show prints the outcome counts and traces of a run recorded in the index.
// It never runs tests.
func Show(ctx context.Context, opts ShowOptions) int {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	cfg := opts.Config
	if cfg.Index == "" {
		logger.Error("invalid configuration", "err", "no index configured")
		return ExitConfig
	}
	run, err := cfg.Manifest()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return ExitConfig
	}
	path := indexPath(run, cfg.Index)
	if _, err := os.Stat(path); err != nil {
		logger.Error("open index", "err", err)
		return ExitConfig
	}
	idx, err := index.Open(path)
	if err != nil {
		logger.Error("open index", "err", err)
		return ExitConfig
	}
	defer idx.Close()

	counts, err := idx.OutcomeCounts(ctx, opts.RunID)
	if err != nil {
		logger.Error("read index", "err", err)
		return ExitConfig
	}
	entries, err := idx.Run(ctx, opts.RunID)
	if err != nil {
		logger.Error("read index", "err", err)
		return ExitConfig
	}
	if len(entries) == 0 {
		logger.Error("run not found", "run", opts.RunID, "index", path)
		return ExitDiscovery
	}

	out := shownRun{RunID: opts.RunID, Total: len(entries), Outcomes: counts}
	for _, e := range entries {
		out.Traces = append(out.Traces, shownTrace{
			TestID:   e.TestID,
			Outcome:  e.Outcome,
			File:     e.File,
			Events:   e.Events,
			Duration: collector.FormatDuration(e.Duration),
			Error:    e.Error,
		})
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(out); err != nil {
			logger.Error("print run", "err", err)
		}
		return ExitSuccess
	}

	fmt.Fprintf(stdout, "Run %s: %d traces\n", out.RunID, out.Total)
	for _, o := range []core.Outcome{core.OutcomePass, core.OutcomeFail, core.OutcomeError, core.OutcomeInfraError} {
		fmt.Fprintf(stdout, "  %-13s %d\n", o+":", counts[o])
	}
	for _, t := range out.Traces {
		fmt.Fprintf(stdout, "%-11s %6d events  %8s  %s  %s\n", "["+t.Outcome+"]", t.Events, t.Duration, t.TestID, t.File)
	}
	return ExitSuccess
}
