// Package shell executes commands on behalf of a session and captures
// their output. Callers treat it as a black box: no retries, no
// interpretation of the output.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrExecutionTimeout is returned when a command exceeds its deadline
var ErrExecutionTimeout = errors.New("command execution timed out")

// Request describes one command execution
type Request struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Stdin      []byte
	Timeout    time.Duration
}

// Result captures the outcome of one command execution
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner executes commands with a default timeout
type Runner struct {
	defaultTimeout time.Duration
}

// NewRunner creates a new command runner
func NewRunner(defaultTimeout time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Runner{defaultTimeout: defaultTimeout}
}

// Execute runs a command and captures stdout, stderr and the exit code
func (r *Runner) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Command == "" {
		return Result{}, fmt.Errorf("command is required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)

	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	if len(req.Env) > 0 {
		env := make([]string, 0, len(req.Env))
		for key, value := range req.Env {
			env = append(env, fmt.Sprintf("%s=%s", key, value))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return Result{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: -1,
			Duration: duration,
		}, ErrExecutionTimeout
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Duration: duration}, fmt.Errorf("failed to run command: %w", err)
		}
	}

	log.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed")

	return Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}
