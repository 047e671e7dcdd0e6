// Package framework adapts test frameworks to the tracer: how to list the
// tests of a project, how to run one test with the frame stream wired up,
// and how to read the test's outcome back.
package framework

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"calltrace/internal/core"
	"calltrace/internal/template"
)

// Variables every command template can use.
const (
	VarProjectRoot = "project_root"
	VarWorkDir     = "work_dir"
	VarReportFile  = "report_file"
	VarEventsPath  = "events_path"
	VarTestID      = "test_id"
	VarTestName    = "test_name"
	VarPackage     = "package"
)

// EventsFD is the descriptor number the child sees the frame stream on.
const EventsFD = 3

// Commands are the argv templates a framework runs. Empty fields fall back
// to the framework defaults.
type Commands struct {
	Collect []string `yaml:"collect"`
	Run     []string `yaml:"run"`
}

// Verdict is a framework's reading of one finished test.
type Verdict struct {
	Outcome core.Outcome
	FuncID  string
	Detail  string
}

// Framework is implemented by each supported test framework.
type Framework interface {
	Name() string
	// Defaults returns the built-in command templates.
	Defaults() Commands
	// Setup writes whatever support files the child needs into workDir and
	// returns extra environment for the child.
	Setup(workDir string, vars template.Vars) (env []string, err error)
	// ParseCollected turns the output of the collect command into test ids
	// in discovery order. errs are per-collector failures that did not stop
	// discovery as a whole.
	ParseCollected(res core.CommandResult, workDir string) (tests []core.TestID, errs []error, err error)
	// RunVars returns the per-test template variables.
	RunVars(id core.TestID) template.Vars
	// Verdict classifies a finished run command.
	Verdict(res core.CommandResult, workDir string, id core.TestID) Verdict
	// CacheDirs names the directories the framework leaves behind in the
	// project tree.
	CacheDirs() []string
}

var registry = map[string]func() Framework{
	"pytest": func() Framework { return Pytest{} },
	"gotest": func() Framework { return GoTest{} },
}

// Lookup returns the framework registered under name.
func Lookup(name string) (Framework, error) {
	mk, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown framework %q (known: %v)", name, Names())
	}
	return mk(), nil
}

// Names lists the registered frameworks.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BaseVars are the variables shared by collect and run commands.
func BaseVars(projectRoot, workDir string) template.Vars {
	return template.Vars{
		VarProjectRoot: projectRoot,
		VarWorkDir:     workDir,
		VarReportFile:  filepath.Join(workDir, "report.json"),
		VarEventsPath:  fmt.Sprintf("/dev/fd/%d", EventsFD),
	}
}

// Resolve merges user overrides onto the framework defaults.
func Resolve(fw Framework, overrides Commands) Commands {
	c := fw.Defaults()
	if len(overrides.Collect) > 0 {
		c.Collect = overrides.Collect
	}
	if len(overrides.Run) > 0 {
		c.Run = overrides.Run
	}
	return c
}

// CleanCaches removes every directory under root whose base name is in
// names. Version control metadata is never descended into.
func CleanCaches(root string, names []string) (removed int, err error) {
	if len(names) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var errs []error
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			errs = append(errs, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if want[d.Name()] {
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, err)
			} else {
				removed++
			}
			return filepath.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return removed, errors.Join(errs...)
}
