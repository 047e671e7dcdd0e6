package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"calltrace/internal/core"
	"calltrace/internal/framework"
	"calltrace/internal/hook"
	"calltrace/internal/template"
	"calltrace/internal/trace"
)

// DefaultTestTimeout is the per-test budget when none is configured.
const DefaultTestTimeout = 120 * time.Second

// Config configures an Executor.
type Config struct {
	Framework    framework.Framework
	Commands     framework.Commands
	Runner       core.CommandRunner
	ProjectRoot  string
	Timeout      time.Duration
	Filter       hook.Filter
	Limits       hook.Limits
	DrainTimeout time.Duration
	Logger       *slog.Logger
	Clock        core.Clock
	TempDir      string
}

// Executor runs single tests under the recorder. It holds no per-test
// state, so one Executor serves all workers.
type Executor struct {
	cfg Config
	run []string
}

// NewExecutor returns an Executor for cfg.
func NewExecutor(cfg Config) *Executor {
	if cfg.Runner == nil {
		cfg.Runner = Exec{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	if cfg.Filter.BaseDir == "" {
		cfg.Filter.BaseDir = cfg.ProjectRoot
	}
	return &Executor{cfg: cfg, run: framework.Resolve(cfg.Framework, cfg.Commands).Run}
}

// Execute runs one test in a fresh working directory and returns its
// record. It never fails: problems with the execution context itself are
// recorded as an infra-error outcome.
func (e *Executor) Execute(ctx context.Context, worker int, id core.TestID) trace.Record {
	log := e.cfg.Logger.With("test", id, "worker", worker)
	b := trace.NewBuilder(id, e.cfg.Clock)
	rec := hook.NewRecorder(b, hook.Options{
		Filter:       e.cfg.Filter,
		Limits:       e.cfg.Limits,
		Logger:       log,
		DrainTimeout: e.cfg.DrainTimeout,
	})
	defer rec.Detach()

	infra := func(op string, err error) trace.Record {
		ie := &core.InfraError{TestID: id, Op: op, Err: err}
		log.Warn("infra error", "op", op, "err", err)
		r := b.Finalize(core.OutcomeInfraError, ie)
		r.Worker = worker
		return r
	}

	if err := ctx.Err(); err != nil {
		return infra("schedule", err)
	}

	workDir, err := os.MkdirTemp(e.cfg.TempDir, "calltrace-run-*")
	if err != nil {
		return infra("create work dir", err)
	}
	defer os.RemoveAll(workDir)

	vars := framework.BaseVars(e.cfg.ProjectRoot, workDir).Merge(e.cfg.Framework.RunVars(id))
	env, err := e.cfg.Framework.Setup(workDir, vars)
	if err != nil {
		return infra("setup", err)
	}
	args, err := template.SubstituteArgs(e.run, vars)
	if err != nil {
		return infra("run command", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return infra("open frame stream", err)
	}
	if _, err := rec.Attach(pr); err != nil {
		pr.Close()
		pw.Close()
		return infra("attach", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	res, runErr := e.cfg.Runner.Run(runCtx, core.Command{
		Args:       args,
		Dir:        e.cfg.ProjectRoot,
		Env:        env,
		ExtraFiles: []*os.File{pw},
	})
	pw.Close()
	rec.Detach()

	switch {
	case runErr != nil:
		return infra("run", runErr)
	case res.TimedOut:
		return infra("run", fmt.Errorf("timed out after %s", e.cfg.Timeout))
	}

	v := e.cfg.Framework.Verdict(res, workDir, id)
	if v.Outcome != core.OutcomePass && v.Detail != "" {
		b.Warn("%s: %s", v.Outcome, v.Detail)
	}
	r := b.Finalize(v.Outcome, nil)
	r.FuncID = v.FuncID
	r.Worker = worker

	stats := rec.Stats()
	log.Debug("test traced", "outcome", r.Outcome, "events", len(r.Events),
		"frames", stats.Frames, "exit", res.ExitCode, "duration", res.Duration)
	return r
}
