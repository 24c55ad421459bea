package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRunner abstracts process execution so phases can be tested
// without touching the host.
type CommandRunner interface {
	// Run executes a command and fails on a non-zero exit.
	Run(ctx context.Context, name string, args ...string) error
	// RunIn is Run with a working directory.
	RunIn(ctx context.Context, dir, name string, args ...string) error
	// LookPath reports where a binary resolves on PATH.
	LookPath(file string) (string, error)
}

// ExecRunner runs commands on the host via os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

// Compile-time check.
var _ CommandRunner = (*ExecRunner)(nil)

// Run executes the command, capturing combined output.  On failure the
// output tail is folded into the error so the bootstrap log carries
// the reason.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	return r.RunIn(ctx, "", name, args...)
}

// RunIn executes the command in dir.
func (r *ExecRunner) RunIn(ctx context.Context, dir, name string, args ...string) error {
	r.Logger.Debug("exec",
		slog.String("command", name),
		slog.String("args", strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, tail(out.String()))
	}
	return nil
}

// LookPath resolves file on PATH.
func (r *ExecRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// tail returns the last few lines of command output for error messages.
func tail(s string) string {
	const maxLines = 5
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
