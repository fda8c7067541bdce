package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
)

// Command is one subprocess invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env []string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Result is what a finished invocation produced. ExitCode is -1 when the
// process could not be started or was killed.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner executes commands. The default implementation shells out;
// tests substitute a RunnerFunc.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) Result
}

// RunnerFunc adapts a function to CommandRunner.
type RunnerFunc func(ctx context.Context, cmd Command) Result

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) Result { return f(ctx, cmd) }

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run starts cmd and waits for it. Start failures and context cancellation
// are folded into the Result so every attempt can be reported uniformly.
func (ExecRunner) Run(ctx context.Context, cmd Command) Result {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, "killed: "+ctx.Err().Error())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, err.Error())
	}
	return res
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
