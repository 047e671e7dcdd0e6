// calltrace runs every test of a project in isolation and records the call
// graph observed while each test executes, one JSON trace per test.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"calltrace/internal/app"
	"calltrace/internal/config"
)

type arguments struct {
	configPath string
	quiet      bool
	summary    string
	showRun    string
	overrides  []*override
}

func parseArgs(args []string) (*arguments, error) {
	cli := kingpin.New("calltrace", "Record the call graph of every test in a project's test suite.")
	a := &arguments{}

	cli.Flag("config", "YAML configuration file. Flags override its values.").StringVar(&a.configPath)
	a.flag(cli, "project-root", "Root of the project under test.", func(c *config.Config, v string) error {
		c.ProjectRoot = v
		return nil
	})
	a.flag(cli, "output-dir", "Directory receiving one trace per test (relative to the project root).", func(c *config.Config, v string) error {
		c.OutputDir = v
		return nil
	})
	a.flag(cli, "framework", "Test framework: pytest or gotest.", func(c *config.Config, v string) error {
		c.Framework = v
		return nil
	})
	a.flag(cli, "workers", "Number of concurrent workers.", func(c *config.Config, v string) (err error) {
		c.Workers, err = parseInt(v)
		return err
	})
	a.flag(cli, "max-tests", "Trace at most this many tests, or none for all.", func(c *config.Config, v string) error {
		n, err := config.ParseOptionalInt(v)
		if err != nil {
			return err
		}
		c.MaxTests = config.OptionalInt{}
		if n != nil {
			c.MaxTests = config.Int(*n)
		}
		return nil
	})
	a.boolFlag(cli, "random", "Shuffle the tests before capping them.", func(c *config.Config, v string) (err error) {
		c.Random, err = config.ParseBool(v)
		return err
	})
	a.flag(cli, "random-seed", "Seed for the shuffle.", func(c *config.Config, v string) (err error) {
		c.Seed, err = parseInt64(v)
		return err
	})
	a.flag(cli, "test-timeout", "Time budget for a single test.", func(c *config.Config, v string) (err error) {
		c.TestTimeout, err = parseDuration(v)
		return err
	})
	a.flag(cli, "launch-rate", "Maximum test launches per second across all workers (0 = unlimited).", func(c *config.Config, v string) (err error) {
		c.LaunchRate, err = parseFloat(v)
		return err
	})
	a.flag(cli, "index", "SQLite index of runs (relative to the output directory).", func(c *config.Config, v string) error {
		c.Index = v
		return nil
	})
	a.flag(cli, "temp-dir", "Parent directory of the per-test working directories.", func(c *config.Config, v string) error {
		c.TempDir = v
		return nil
	})
	a.flag(cli, "log-level", "Diagnostic log level: debug, info, warn or error.", func(c *config.Config, v string) error {
		c.Log.Level = v
		return nil
	})
	a.flag(cli, "log-format", "Diagnostic log format: text or json.", func(c *config.Config, v string) error {
		c.Log.Format = v
		return nil
	})
	cli.Flag("quiet", "Suppress progress output.").BoolVar(&a.quiet)
	cli.Flag("summary", "Summary printed at the end of the run.").Default("text").EnumVar(&a.summary, "text", "json", "none")
	cli.Flag("show-run", "Print a run recorded in the index instead of tracing.").PlaceHolder("RUN-ID").StringVar(&a.showRun)

	if _, err := cli.Parse(args); err != nil {
		return nil, err
	}
	return a, nil
}

// config loads the configuration file, if any, and applies the flags that
// were given on the command line.
func (a *arguments) config() (*config.Config, error) {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(a.configPath); err != nil {
			return nil, err
		}
	}
	for _, o := range a.overrides {
		if !o.set {
			continue
		}
		if err := o.apply(cfg, o.value); err != nil {
			return nil, fmt.Errorf("--%s: %w", o.name, err)
		}
	}
	return cfg, nil
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "calltrace: %s, try --help\n", err)
		os.Exit(app.ExitConfig)
	}
	cfg, err := args.config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "calltrace: %s\n", err)
		os.Exit(app.ExitConfig)
	}
	logger, err := config.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calltrace: %s\n", err)
		os.Exit(app.ExitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if args.showRun != "" {
		code := app.Show(ctx, app.ShowOptions{
			Config: cfg,
			RunID:  args.showRun,
			Logger: logger,
			Stdout: os.Stdout,
			Format: args.summary,
		})
		stop()
		os.Exit(code)
	}
	code := app.Run(ctx, app.Options{
		Config:  cfg,
		Logger:  logger,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Quiet:   args.quiet,
		Summary: args.summary,
	})
	stop()
	os.Exit(code)
}
