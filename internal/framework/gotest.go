package framework

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"calltrace/internal/core"
	"calltrace/internal/template"
	"calltrace/pkg/probe"
)

// GoTest drives the go command. Frames come from code instrumented with
// pkg/probe; the descriptor is inherited by the test binary.
type GoTest struct{}

func (GoTest) Name() string { return "gotest" }

func (GoTest) Defaults() Commands {
	return Commands{
		Collect: []string{"go", "test", "-list", ".", "./..."},
		Run:     []string{"go", "test", "-count=1", "-run", "^${test_name}$", "${package}"},
	}
}

func (GoTest) Setup(string, template.Vars) ([]string, error) {
	return []string{fmt.Sprintf("%s=%d", probe.EnvEventsFD, EventsFD)}, nil
}

var (
	goTestName = regexp.MustCompile(`^(Test|Example|Fuzz)\w*$`)
	goPkgLine  = regexp.MustCompile(`^(ok|FAIL|\?)\s+(\S+)`)
)

// ParseCollected reads `go test -list` output. Names are printed before
// the "ok <package>" line that owns them.
func (GoTest) ParseCollected(res core.CommandResult, _ string) ([]core.TestID, []error, error) {
	var (
		tests   []core.TestID
		errs    []error
		pending []string
	)
	sc := bufio.NewScanner(bytes.NewReader(res.Stdout))
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if goTestName.MatchString(line) {
			pending = append(pending, line)
			continue
		}
		m := goPkgLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch m[1] {
		case "ok":
			for _, name := range pending {
				tests = append(tests, core.TestID(m[2]+"::"+name))
			}
		case "FAIL":
			errs = append(errs, fmt.Errorf("list %s: %s", m[2], line))
		}
		pending = pending[:0]
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan go test output: %w", err)
	}
	if len(tests) == 0 && len(errs) == 0 && res.ExitCode != 0 {
		return nil, nil, fmt.Errorf("go test -list exited %d%s", res.ExitCode, stderrTail(res))
	}
	return tests, errs, nil
}

func (GoTest) RunVars(id core.TestID) template.Vars {
	pkg, name, _ := strings.Cut(string(id), "::")
	return template.Vars{
		VarTestID:   string(id),
		VarTestName: name,
		VarPackage:  pkg,
	}
}

func (GoTest) Verdict(res core.CommandResult, _ string, id core.TestID) Verdict {
	out := string(res.Stdout) + string(res.Stderr)
	switch {
	case res.ExitCode == 0:
		return Verdict{Outcome: core.OutcomePass}
	case strings.Contains(out, "panic:"):
		return Verdict{Outcome: core.OutcomeError, Detail: lineWith(out, "panic:")}
	case strings.Contains(out, "--- FAIL"):
		return Verdict{Outcome: core.OutcomeFail, Detail: lineWith(out, "--- FAIL")}
	}
	return Verdict{Outcome: core.OutcomeError, Detail: fmt.Sprintf("go test exited %d%s", res.ExitCode, stderrTail(res))}
}

func (GoTest) CacheDirs() []string { return nil }

func lineWith(s, substr string) string {
	i := strings.Index(s, substr)
	if i < 0 {
		return ""
	}
	return firstLine(s[i:])
}
