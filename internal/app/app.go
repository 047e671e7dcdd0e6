// Package app wires discovery, scheduling, tracing and reporting into one
// traced run of a project's test suite.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"calltrace/internal/collector"
	"calltrace/internal/config"
	"calltrace/internal/core"
	"calltrace/internal/discovery"
	"calltrace/internal/framework"
	"calltrace/internal/index"
	"calltrace/internal/progress"
	"calltrace/internal/ratelimit"
	"calltrace/internal/runner"
	"calltrace/internal/scheduler"
	"calltrace/internal/trace"
)

const (
	ExitSuccess   = 0
	ExitDiscovery = 1
	ExitConfig    = 2
)

// SummaryFile is the run summary written next to the traces.
const SummaryFile = "summary.json"

// Options configures one run.
type Options struct {
	Config *config.Config
	// Runner starts child processes; nil means runner.Exec.
	Runner core.CommandRunner
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
	Quiet  bool
	// Summary selects the format printed to Stdout: text, json or none.
	Summary string
}

// Run performs a complete run and returns the process exit code. Test
// failures and infra errors never change the exit code; only an invalid
// configuration or a discovery that found nothing does.
func Run(ctx context.Context, opts Options) int {
	cfg := opts.Config
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmdRunner := opts.Runner
	if cmdRunner == nil {
		cmdRunner = runner.Exec{}
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return ExitConfig
	}
	run, err := cfg.Manifest()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return ExitConfig
	}
	fw, err := framework.Lookup(run.Framework)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return ExitConfig
	}
	logger = logger.With("run_id", run.RunID)

	tests, err := discovery.NewCollector(fw, cfg.Commands, cmdRunner, logger, discovery.WithTempDir(cfg.TempDir)).
		Collect(ctx, run.ProjectRoot)
	if err != nil {
		if len(tests) == 0 {
			logger.Error("discovery failed", "err", err)
			return ExitDiscovery
		}
		logger.Warn("discovery incomplete", "err", err, "tests", len(tests))
	}
	if cfg.CleanCaches {
		cleanCaches(logger, run.ProjectRoot, fw)
	}

	planned := scheduler.Plan(tests, run.Random, run.Seed, run.MaxTests)
	writer, err := trace.NewWriter(run.OutputDir, planned)
	if err != nil {
		logger.Error("output directory unusable", "err", err)
		return ExitConfig
	}

	exec := runner.NewExecutor(runner.Config{
		Framework:   fw,
		Commands:    cfg.Commands,
		Runner:      cmdRunner,
		ProjectRoot: run.ProjectRoot,
		Timeout:     run.TestTimeout,
		Filter:      cfg.HookFilter(run.ProjectRoot),
		Limits:      cfg.Limits,
		Logger:      logger,
		TempDir:     cfg.TempDir,
	})

	coll := collector.NewCollector(nil)
	prog := progress.NewProgress(len(planned), coll, opts.Quiet)
	prog.SetOutput(stderr)

	poolOpts := []scheduler.Option{scheduler.WithWorkers(run.Workers), scheduler.WithLogger(logger)}
	if cfg.LaunchRate > 0 {
		poolOpts = append(poolOpts, scheduler.WithRateLimiter(ratelimit.NewRateLimiter(cfg.LaunchRate, cfg.LaunchBurst)))
	}
	pool := scheduler.NewPool(exec, writer, prog, poolOpts...)

	prog.Printf("calltrace starting: %d of %d tests, %d workers, framework %s", len(planned), len(tests), run.Workers, fw.Name())
	prog.Start()
	results := pool.Run(ctx, planned)
	prog.Stop()
	coll.Close()

	if ctx.Err() != nil {
		logger.Warn("run interrupted", "err", ctx.Err())
	}

	summary := coll.Summary()
	if err := collector.WriteFile(filepath.Join(run.OutputDir, SummaryFile), summary, run); err != nil {
		logger.Error("write summary", "err", err)
	}
	switch opts.Summary {
	case "json":
		if err := collector.FormatJSON(stdout, summary, run); err != nil {
			logger.Error("print summary", "err", err)
		}
	case "none":
	default:
		collector.FormatText(stdout, summary, run)
	}

	if cfg.Index != "" {
		// The run is over; an interrupt must not cost the index its rows.
		if err := recordIndex(context.WithoutCancel(ctx), logger, indexPath(run, cfg.Index), run, results); err != nil {
			logger.Error("update index", "err", err)
		}
	}
	if cfg.CleanCaches {
		cleanCaches(logger, run.ProjectRoot, fw)
	}
	return ExitSuccess
}

func indexPath(run core.RunManifest, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(run.OutputDir, p)
}

func recordIndex(ctx context.Context, logger *slog.Logger, path string, run core.RunManifest, results []core.Result) (err error) {
	idx, err := index.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, idx.Close())
	}()
	regressed, err := regressions(ctx, idx, results)
	if err != nil {
		return err
	}
	for _, r := range regressed {
		logger.Warn("test regressed", "test", r.result.TestID, "outcome", r.result.Outcome,
			"previous_run", r.previous.RunID, "previous_outcome", r.previous.Outcome)
	}
	if err := idx.RecordRun(ctx, run); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if err := idx.RecordResults(ctx, run.RunID, results); err != nil {
		return fmt.Errorf("record results: %w", err)
	}
	return nil
}

type regression struct {
	result   core.Result
	previous index.Entry
}

// regressions returns the results that did not pass although the latest
// indexed trace of the same test did. It must run before results are
// recorded.
func regressions(ctx context.Context, idx *index.Index, results []core.Result) ([]regression, error) {
	var out []regression
	for _, r := range results {
		if r.Outcome == core.OutcomePass {
			continue
		}
		prev, ok, err := idx.Latest(ctx, r.TestID)
		if err != nil {
			return nil, fmt.Errorf("compare with previous run: %w", err)
		}
		if ok && prev.Outcome == core.OutcomePass {
			out = append(out, regression{result: r, previous: prev})
		}
	}
	return out, nil
}

func cleanCaches(logger *slog.Logger, root string, fw framework.Framework) {
	removed, err := framework.CleanCaches(root, fw.CacheDirs())
	if err != nil {
		logger.Warn("clean caches", "err", err)
	}
	if removed > 0 {
		logger.Debug("cleaned caches", "removed", removed)
	}
}
