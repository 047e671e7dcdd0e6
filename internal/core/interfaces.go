// Package core defines the shared types and interfaces of the call tracer.
package core

import (
	"context"
	"io"
	"os"
	"time"
)

// Result is what a worker reports to the coordinator after a test has been
// traced and its record persisted.
type Result struct {
	TestID   TestID
	Worker   int
	Outcome  Outcome
	Duration time.Duration
	Events   int
	File     string // empty when the write failed
	Err      error  // infra or write error, nil otherwise
}

// Reporter receives per-test results from workers.
type Reporter interface {
	Report(Result)
}

// Command describes one external process invocation.
type Command struct {
	Args       []string
	Dir        string
	Env        []string // appended to the parent environment
	ExtraFiles []*os.File
	Stdout     io.Writer // optional tee of captured stdout
}

// CommandResult is the captured outcome of a finished Command.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	TimedOut bool
}

// CommandRunner runs external processes. A non-zero exit is reported through
// CommandResult.ExitCode, not as an error; errors mean the process could not
// be run at all.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// CommandFunc adapts a function to CommandRunner.
type CommandFunc func(ctx context.Context, cmd Command) (CommandResult, error)

func (f CommandFunc) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	return f(ctx, cmd)
}
