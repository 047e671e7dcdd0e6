package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calltrace/internal/core"
	"calltrace/internal/framework"
	"calltrace/internal/hook"
	"calltrace/internal/template"
	"calltrace/internal/trace"
	"calltrace/pkg/probe"
)

// fakeFramework passes the test id as the only argument and reports a
// fixed verdict.
type fakeFramework struct {
	verdict framework.Verdict
}

func (fakeFramework) Name() string { return "fake" }
func (fakeFramework) Defaults() framework.Commands {
	return framework.Commands{Run: []string{"fake", "${test_id}", "${events_path}"}}
}
func (fakeFramework) Setup(string, template.Vars) ([]string, error) { return nil, nil }
func (fakeFramework) ParseCollected(core.CommandResult, string) ([]core.TestID, []error, error) {
	return nil, nil, nil
}
func (fakeFramework) RunVars(id core.TestID) template.Vars {
	return template.Vars{framework.VarTestID: string(id)}
}
func (f fakeFramework) Verdict(core.CommandResult, string, core.TestID) framework.Verdict {
	return f.verdict
}
func (fakeFramework) CacheDirs() []string { return nil }

// scripted plays the frames registered for the test id found in argv[1]
// into the child's descriptor 3.
func scripted(scripts map[string][]probe.Frame) core.CommandFunc {
	return func(_ context.Context, cmd core.Command) (core.CommandResult, error) {
		em := probe.NewEmitter(cmd.ExtraFiles[0])
		for _, f := range scripts[cmd.Args[1]] {
			if err := em.Emit(f); err != nil {
				return core.CommandResult{}, err
			}
		}
		return core.CommandResult{ExitCode: 0}, nil
	}
}

func fr(event, fn string) probe.Frame {
	return probe.Frame{Event: event, File: "/proj/src/calc.py", Line: 1, Func: fn}
}

func newExecutor(fw framework.Framework, runner core.CommandRunner) *Executor {
	return NewExecutor(Config{
		Framework:    fw,
		Runner:       runner,
		ProjectRoot:  "/proj",
		Filter:       hook.Filter{Suffixes: []string{".py"}},
		DrainTimeout: time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestExecuteErrorMidStackDoesNotLeak(t *testing.T) {
	boom := probe.Frame{Event: "exception", File: "/proj/src/calc.py", Line: 9, Func: "divide",
		Error: []byte(`{"message":"division by zero","type":"ZeroDivisionError"}`)}
	scripts := map[string][]probe.Frame{
		"t.py::test_div": {
			fr("call", "test_div"), fr("call", "compute"), fr("call", "divide"),
			boom,
			{Event: "exception", File: "/proj/src/calc.py", Line: 4, Func: "compute", Error: boom.Error},
			{Event: "exception", File: "/proj/src/calc.py", Line: 2, Func: "test_div", Error: boom.Error},
		},
		"t.py::test_add": {fr("call", "test_add"), fr("call", "add"), fr("return", "add"), fr("return", "test_add")},
	}
	e := newExecutor(fakeFramework{verdict: framework.Verdict{Outcome: core.OutcomeError, FuncID: "t.py:1:test"}}, scripted(scripts))

	first := e.Execute(context.Background(), 1, "t.py::test_div")
	require.NoError(t, first.Validate())
	assert.Equal(t, core.OutcomeError, first.Outcome)
	assert.Equal(t, "t.py:1:test", first.FuncID)
	assert.Equal(t, 1, first.Worker)
	require.Len(t, first.Events, 6)
	assert.Equal(t, trace.EventException, first.Events[3].Kind)
	assert.Equal(t, 2, first.Events[3].Depth)
	require.NotNil(t, first.Events[3].Error)
	assert.Equal(t, trace.KindMapping, first.Events[3].Error.Kind)
	assert.NotContains(t, first.Warnings, "activation(s) still open at end of test")

	second := e.Execute(context.Background(), 1, "t.py::test_add")
	require.NoError(t, second.Validate())
	require.Len(t, second.Events, 4)
	assert.Nil(t, second.Events[0].Caller, "no frame of the previous test may remain open")
	assert.Equal(t, 0, second.Events[0].Depth)
	assert.Empty(t, second.Warnings)
}

func TestExecuteTimeoutIsInfraError(t *testing.T) {
	runner := core.CommandFunc(func(ctx context.Context, cmd core.Command) (core.CommandResult, error) {
		probe.NewEmitter(cmd.ExtraFiles[0]).Emit(fr("call", "test_slow"))
		return core.CommandResult{ExitCode: -1, TimedOut: true}, nil
	})
	e := newExecutor(fakeFramework{verdict: framework.Verdict{Outcome: core.OutcomePass}}, runner)

	rec := e.Execute(context.Background(), 2, "t.py::test_slow")
	assert.Equal(t, core.OutcomeInfraError, rec.Outcome)
	assert.Contains(t, rec.InfraError, "timed out after 2m0s")
	assert.Len(t, rec.Events, 1, "frames seen before the timeout are kept")
	require.NoError(t, rec.Validate())
}

func TestExecuteRunnerErrorIsInfraError(t *testing.T) {
	runner := core.CommandFunc(func(context.Context, core.Command) (core.CommandResult, error) {
		return core.CommandResult{}, errors.New("fork/exec python: no such file or directory")
	})
	e := newExecutor(fakeFramework{}, runner)

	rec := e.Execute(context.Background(), 1, "t.py::test_a")
	assert.Equal(t, core.OutcomeInfraError, rec.Outcome)
	assert.Contains(t, rec.InfraError, "no such file or directory")
	assert.NotNil(t, rec.Events)
}

func TestExecuteCancelledContext(t *testing.T) {
	called := false
	runner := core.CommandFunc(func(context.Context, core.Command) (core.CommandResult, error) {
		called = true
		return core.CommandResult{}, nil
	})
	e := newExecutor(fakeFramework{}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := e.Execute(ctx, 1, "t.py::test_a")
	assert.Equal(t, core.OutcomeInfraError, rec.Outcome)
	assert.False(t, called)
}

func TestExecuteFailureDetailBecomesWarning(t *testing.T) {
	e := newExecutor(fakeFramework{verdict: framework.Verdict{Outcome: core.OutcomeFail, Detail: "assert 1 == 2"}},
		scripted(nil))

	rec := e.Execute(context.Background(), 1, "t.py::test_a")
	assert.Equal(t, core.OutcomeFail, rec.Outcome)
	assert.Contains(t, rec.Warnings, "fail: assert 1 == 2")
}

func TestExecuteArgsAreExpanded(t *testing.T) {
	var args []string
	runner := core.CommandFunc(func(_ context.Context, cmd core.Command) (core.CommandResult, error) {
		args = cmd.Args
		return core.CommandResult{}, nil
	})
	e := newExecutor(fakeFramework{verdict: framework.Verdict{Outcome: core.OutcomePass}}, runner)
	e.Execute(context.Background(), 1, "t.py::test_a")

	assert.Equal(t, []string{"fake", "t.py::test_a", "/dev/fd/3"}, args)
}
