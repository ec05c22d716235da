// Package agent spawns the external coding agent inside a prepared
// worktree. The harness does not manage the agent's lifetime beyond
// spawn-and-wait; credentials and model selection belong to the agent
// process itself. Construct a runner only inside the command that needs
// it so read-only commands carry no trace of it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Runner executes the agent in a directory and reports its exit code.
type Runner interface {
	Run(ctx context.Context, dir string) (int, error)
}

// ProcessRunner launches a configured command as a child process with
// its working directory set to the worktree.
type ProcessRunner struct {
	Command string
	Args    []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewProcessRunner builds a runner for the given argv.
func NewProcessRunner(command string, args ...string) *ProcessRunner {
	return &ProcessRunner{Command: command, Args: args, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run spawns the agent and waits. The agent's exit code is data, not an
// error: only failures to spawn or signal-driven deaths error out.
func (r *ProcessRunner) Run(ctx context.Context, dir string) (int, error) {
	if r.Command == "" {
		return 0, fmt.Errorf("no agent command configured")
	}
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("spawn agent %s: %w", r.Command, err)
	}
	return 0, nil
}
