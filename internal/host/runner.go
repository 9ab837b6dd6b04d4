// Package host wraps the operating system surfaces the deployer drives:
// subprocesses, accounts and the filesystem.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes one subprocess invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
	// Sensitive values are masked wherever the command is logged or reported.
	Sensitive []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Redacted renders the command with every Sensitive value masked.
func (c Command) Redacted() string {
	return c.Mask(c.String())
}

// Mask replaces every Sensitive value in s.
func (c Command) Mask(s string) string {
	for _, v := range c.Sensitive {
		if v != "" {
			s = strings.ReplaceAll(s, v, "***")
		}
	}
	return s
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command %s exited with status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("command %s exited with status %d: %s", e.Command, e.Code, stderr)
}

// NewExitError reports cmd exiting with code, masking its sensitive values in
// both the rendered command and stderr.
func NewExitError(cmd Command, code int, stderr string) *ExitError {
	return &ExitError{Command: cmd.Redacted(), Code: code, Stderr: cmd.Mask(stderr)}
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands as real subprocesses.
type Exec struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewExec returns a Runner bounded by timeout per command. A zero timeout leaves
// termination to the invoked tool.
func NewExec(timeout time.Duration, log *slog.Logger) *Exec {
	if log == nil {
		log = slog.Default()
	}
	return &Exec{timeout: timeout, log: log.With("component", "exec")}
}

// Run executes cmd. A non-zero exit is returned as *ExitError alongside the result.
func (e *Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Name == "" {
		return Result{}, errors.New("command name required")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	started := time.Now()
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	e.log.Debug("command finished", "command", cmd.Redacted(), "duration", time.Since(started))

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, NewExitError(cmd, res.ExitCode, res.Stderr)
		}
		return res, fmt.Errorf("command %s failed: %w", cmd.Redacted(), err)
	}
	return res, nil
}

// LookPath reports whether a binary is available on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
