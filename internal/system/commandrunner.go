package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/kballard/go-shellquote"
)

// Command describes a child process. Nil streams are connected to the
// caller's own stdin/stdout/stderr.
type Command struct {
	Name       string
	Args       []string
	Env        []string // Full environment, nil inherits the caller's
	Dir        string
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Credential *syscall.Credential // Run as this uid/gid, nil keeps the caller's
}

// String renders the command line shell-quoted, for logs and errors
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// CommandRunner defines an interface for running system commands.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecCommandRunner executes commands as local child processes.
type ExecCommandRunner struct{}

// NewCommandRunner returns a default command runner implementation.
func NewCommandRunner() CommandRunner {
	return &ExecCommandRunner{}
}

// Run starts the command and waits for it to exit. A non-zero exit is
// returned as an error wrapping *exec.ExitError so callers can recover the code.
func (r *ExecCommandRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = orReader(c.Stdin, os.Stdin)
	cmd.Stdout = orWriter(c.Stdout, os.Stdout)
	cmd.Stderr = orWriter(c.Stderr, os.Stderr)
	if c.Credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: c.Credential}
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %s failed: %w", c, err)
	}
	return nil
}

// ParseCommandLine splits a configured command line into its words
func ParseCommandLine(line string) ([]string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command line %q: %w", line, err)
	}
	return words, nil
}

// QuoteCommandLine joins words into a single shell-safe command line
func QuoteCommandLine(words []string) string {
	return shellquote.Join(words...)
}

// ExitCode extracts the child's exit status from an error returned by Run.
// It returns -1 when err does not carry one.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if err == nil {
		return 0
	}
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// CommandExists checks if a command is available in PATH
func CommandExists(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

func orReader(r, fallback io.Reader) io.Reader {
	if r == nil {
		return fallback
	}
	return r
}

func orWriter(w, fallback io.Writer) io.Writer {
	if w == nil {
		return fallback
	}
	return w
}
