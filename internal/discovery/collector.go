// Package discovery enumerates the tests of a target project.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"calltrace/internal/core"
	"calltrace/internal/framework"
	"calltrace/internal/template"
)

// ErrNoTests is wrapped by the DiscoveryError returned for a project in
// which nothing could be discovered.
var ErrNoTests = errors.New("no tests discovered")

// Collector runs a framework's collect command and normalizes its output.
type Collector struct {
	fw      framework.Framework
	cmd     []string
	runner  core.CommandRunner
	logger  *slog.Logger
	tempDir string
}

// Option configures a Collector.
type Option func(*Collector)

// WithTempDir places the collector's scratch directory under dir.
func WithTempDir(dir string) Option {
	return func(c *Collector) { c.tempDir = dir }
}

// NewCollector returns a collector running cmds.Collect for fw.
func NewCollector(fw framework.Framework, cmds framework.Commands, runner core.CommandRunner, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		fw:     fw,
		cmd:    framework.Resolve(fw, cmds).Collect,
		runner: runner,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect lists the tests under root in discovery order. A missing root, a
// failed collect command or an empty result yield a *core.DiscoveryError
// and no tests. When only some collectors failed, the tests found are
// returned together with a DiscoveryError that has Partial set.
func (c *Collector) Collect(ctx context.Context, root string) ([]core.TestID, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, c.fail(root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, c.fail(abs, err)
	}
	if !info.IsDir() {
		return nil, c.fail(abs, fmt.Errorf("%s is not a directory", abs))
	}

	workDir, err := os.MkdirTemp(c.tempDir, "calltrace-collect-*")
	if err != nil {
		return nil, c.fail(abs, fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	vars := framework.BaseVars(abs, workDir)
	env, err := c.fw.Setup(workDir, vars)
	if err != nil {
		return nil, c.fail(abs, err)
	}
	args, err := template.SubstituteArgs(c.cmd, vars)
	if err != nil {
		return nil, c.fail(abs, fmt.Errorf("collect command: %w", err))
	}

	c.logger.Info("collecting tests", "root", abs, "framework", c.fw.Name())
	res, err := c.runner.Run(ctx, core.Command{Args: args, Dir: abs, Env: env})
	if err != nil {
		return nil, c.fail(abs, fmt.Errorf("run collect command: %w", err))
	}

	raw, errs, err := c.fw.ParseCollected(res, workDir)
	if err != nil {
		return nil, c.fail(abs, err)
	}
	tests := Normalize(raw)
	c.logger.Info("collected tests", "items", len(raw), "merged", len(tests), "collector_errors", len(errs))

	if len(tests) == 0 {
		return nil, c.fail(abs, append(errs, ErrNoTests)...)
	}
	if len(errs) > 0 {
		return tests, &core.DiscoveryError{Root: abs, Partial: true, Errs: errs}
	}
	return tests, nil
}

func (c *Collector) fail(root string, errs ...error) error {
	return &core.DiscoveryError{Root: root, Errs: errs}
}

// Normalize merges parametrised ids into their function id and drops
// duplicates, keeping the first occurrence so the order stays stable.
func Normalize(tests []core.TestID) []core.TestID {
	seen := make(map[core.TestID]bool, len(tests))
	out := make([]core.TestID, 0, len(tests))
	for _, id := range tests {
		id = framework.StripParams(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
