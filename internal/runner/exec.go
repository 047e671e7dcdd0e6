// Package runner executes one test in an isolated child process with the
// call recorder attached to the child's frame stream.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"calltrace/internal/core"
)

const defaultWaitDelay = 5 * time.Second

// Exec runs commands as child processes.
type Exec struct {
	// WaitDelay bounds how long Run waits for the child's output pipes
	// after the child was killed.
	WaitDelay time.Duration
}

// Run starts cmd and waits for it. A deadline on ctx kills the child and
// is reported through TimedOut; cancellation of ctx is returned as an error.
func (e Exec) Run(ctx context.Context, c core.Command) (core.CommandResult, error) {
	if len(c.Args) == 0 {
		return core.CommandResult{}, errors.New("runner: empty command")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.ExtraFiles = c.ExtraFiles
	killProcessGroup(cmd)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.Stdout)
	}
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := core.CommandResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		res.TimedOut = true
		return res, nil
	case ctxErr != nil:
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return res, fmt.Errorf("runner: %s: %w", c.Args[0], err)
	}
	return res, nil
}
