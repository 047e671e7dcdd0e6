package framework

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"calltrace/internal/core"
	"calltrace/internal/template"
	"calltrace/pkg/probe"
)

//go:embed calltrace_pytest.py
var pytestPlugin []byte

const pytestPluginModule = "calltrace_pytest"

// Pytest drives pytest with the pytest-json-report plugin.
type Pytest struct{}

func (Pytest) Name() string { return "pytest" }

func (Pytest) Defaults() Commands {
	common := []string{
		"--cache-clear",
		"--rootdir=${project_root}",
		"-o", "cache_dir=${work_dir}/.pytest_cache",
		"--json-report",
		"--json-report-file=${report_file}",
	}
	return Commands{
		Collect: append([]string{"python", "-m", "pytest", "--collect-only", "-q"}, common...),
		Run:     append(append([]string{"python", "-m", "pytest", "-p", pytestPluginModule}, common...), "${test_id}"),
	}
}

// Setup installs the tracing plugin in workDir and puts workDir and the
// project's src/ directory on PYTHONPATH. The plugin traces only code
// below the project root.
func (Pytest) Setup(workDir string, vars template.Vars) ([]string, error) {
	if err := os.WriteFile(filepath.Join(workDir, pytestPluginModule+".py"), pytestPlugin, 0o644); err != nil {
		return nil, fmt.Errorf("install pytest plugin: %w", err)
	}
	root := vars[VarProjectRoot]
	path := []string{workDir}
	if root != "" {
		path = append(path, filepath.Join(root, "src"))
	}
	if prev := os.Getenv("PYTHONPATH"); prev != "" {
		path = append(path, prev)
	}
	env := []string{
		"PYTHONPATH=" + strings.Join(path, string(os.PathListSeparator)),
		"SETUPTOOLS_USE_DISTUTILS=local",
		fmt.Sprintf("%s=%d", probe.EnvEventsFD, EventsFD),
	}
	if root != "" {
		env = append(env, probe.EnvBaseDir+"="+root)
	}
	return env, nil
}

func (Pytest) ParseCollected(res core.CommandResult, workDir string) ([]core.TestID, []error, error) {
	report, err := os.ReadFile(filepath.Join(workDir, "report.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("read collect report (exit %d): %w%s", res.ExitCode, err, stderrTail(res))
	}
	if !gjson.ValidBytes(report) {
		return nil, nil, errors.New("collect report is not valid JSON")
	}

	var (
		tests []core.TestID
		errs  []error
	)
	gjson.GetBytes(report, "collectors").ForEach(func(_, c gjson.Result) bool {
		if c.Get("outcome").String() == "failed" {
			errs = append(errs, fmt.Errorf("collect %s: %s", c.Get("nodeid").String(), firstLine(c.Get("longrepr").String())))
		}
		c.Get("result").ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "Function", "TestCaseFunction":
				tests = append(tests, core.TestID(item.Get("nodeid").String()))
			}
			return true
		})
		return true
	})
	return tests, errs, nil
}

func (Pytest) RunVars(id core.TestID) template.Vars {
	file, _, _ := strings.Cut(string(id), "::")
	return template.Vars{
		VarTestID:   string(id),
		VarTestName: lastSegment(string(id)),
		VarPackage:  file,
	}
}

// Verdict reads the per-test JSON report. Parametrised tests contribute
// one report entry per case; the worst outcome wins. Without a report the
// exit status decides: 0 pass, 1 fail, anything else error.
func (Pytest) Verdict(res core.CommandResult, workDir string, id core.TestID) Verdict {
	report, err := os.ReadFile(filepath.Join(workDir, "report.json"))
	if err != nil || !gjson.ValidBytes(report) {
		v := Verdict{Outcome: exitOutcome(res.ExitCode), Detail: "no usable test report"}
		if err != nil {
			v.Detail = err.Error()
		}
		return v
	}

	tests := gjson.GetBytes(report, "tests").Array()
	if len(tests) == 0 {
		return Verdict{Outcome: core.OutcomeError, Detail: fmt.Sprintf("no test ran (exit %d)%s", res.ExitCode, stderrTail(res))}
	}

	v := Verdict{Outcome: core.OutcomePass}
	for _, t := range tests {
		o, detail := pytestOutcome(t)
		if rank(o) > rank(v.Outcome) {
			v.Outcome, v.Detail = o, detail
		}
	}

	fields, err := template.Extract(report, map[string]string{
		"nodeid": "$.tests[0].nodeid",
		"lineno": "$.tests[0].lineno",
	})
	if err == nil {
		v.FuncID = FuncID(fields["nodeid"].String(), int(fields["lineno"].Int()))
	}
	return v
}

func (Pytest) CacheDirs() []string { return []string{"__pycache__", ".pytest_cache"} }

var assertionCrash = regexp.MustCompile(`^(assert\b|AssertionError\b|Failed:)`)

func pytestOutcome(t gjson.Result) (core.Outcome, string) {
	switch t.Get("outcome").String() {
	case "passed", "skipped", "xfailed", "xpassed":
		return core.OutcomePass, ""
	case "failed":
		msg := t.Get("call.crash.message").String()
		if msg == "" || assertionCrash.MatchString(msg) {
			return core.OutcomeFail, firstLine(msg)
		}
		return core.OutcomeError, firstLine(msg)
	default:
		for _, phase := range []string{"setup", "teardown"} {
			if msg := t.Get(phase + ".crash.message").String(); msg != "" {
				return core.OutcomeError, phase + ": " + firstLine(msg)
			}
		}
		return core.OutcomeError, t.Get("outcome").String()
	}
}

var paramSuffix = regexp.MustCompile(`\[.*?\]`)

// FuncID formats the location of a test function as file:line:name with a
// 1-based line; pytest reports 0-based line numbers.
func FuncID(nodeID string, lineno int) string {
	node := paramSuffix.ReplaceAllString(nodeID, "")
	file, _, _ := strings.Cut(node, "::")
	return fmt.Sprintf("%s:%d:%s", file, lineno+1, lastSegment(node))
}

// StripParams merges a parametrised test id into its function id.
func StripParams(id core.TestID) core.TestID {
	return core.TestID(paramSuffix.ReplaceAllString(string(id), ""))
}

func lastSegment(id string) string {
	if i := strings.LastIndex(id, "::"); i >= 0 {
		return id[i+2:]
	}
	return id
}

func rank(o core.Outcome) int {
	switch o {
	case core.OutcomePass:
		return 0
	case core.OutcomeFail:
		return 1
	case core.OutcomeError:
		return 2
	}
	return 3
}

func exitOutcome(code int) core.Outcome {
	switch code {
	case 0:
		return core.OutcomePass
	case 1:
		return core.OutcomeFail
	}
	return core.OutcomeError
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func stderrTail(res core.CommandResult) string {
	s := strings.TrimSpace(string(res.Stderr))
	if s == "" {
		return ""
	}
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return ": " + s
}
