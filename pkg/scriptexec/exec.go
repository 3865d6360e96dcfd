// Package scriptexec runs operator-supplied shell scripts on the agent host.
package scriptexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/openfroyo/deploycore/pkg/engine"
)

// OutputPathEnv names the file a fetch script writes its output to.
const OutputPathEnv = "INSTANCE_OUTPUT_PATH"

// DefaultShell runs scripts when Options.Shell is empty.
const DefaultShell = "/bin/sh"

// DefaultTimeout bounds a script when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Minute

// Options describes one script run.
type Options struct {
	Script  string
	Shell   string
	Env     map[string]string
	WorkDir string
	Timeout time.Duration
}

// Result is the outcome of a script that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a script that exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("script exited with code %d", e.Code)
	}
	return fmt.Sprintf("script exited with code %d: %s", e.Code, e.Stderr)
}

// Run executes opts.Script through the shell. A non-zero exit is reported in the
// result, not as an error; errors are reserved for scripts that could not run or
// were killed by the timeout.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Script == "" {
		return nil, engine.NewInvalidArgumentsError("script is required", nil).WithCode(engine.ErrCodeValidation)
	}

	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", opts.Script)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = environ(opts.Env)
	// Children of a killed shell may hold the output pipes open.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, engine.NewTimeoutError(fmt.Sprintf("script did not finish within %s", timeout), ctx.Err()).
			WithOperation("script")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, engine.NewUnknownError("failed to execute script", err).WithOperation("script")
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// RunWithOutputFile runs the script with OutputPathEnv pointing into a fresh temp
// directory and returns what the script wrote there. The directory is removed on
// every path. A non-zero exit or a missing output file is an error.
func RunWithOutputFile(ctx context.Context, opts Options) (*Result, []byte, error) {
	dir, err := os.MkdirTemp("", "instance-fetch-")
	if err != nil {
		return nil, nil, engine.NewUnknownError("failed to create script work directory", err)
	}
	defer os.RemoveAll(dir)

	outputPath := filepath.Join(dir, "output")
	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	env[OutputPathEnv] = outputPath
	opts.Env = env
	if opts.WorkDir == "" {
		opts.WorkDir = dir
	}

	result, err := Run(ctx, opts)
	if err != nil {
		return result, nil, err
	}
	if result.ExitCode != 0 {
		return result, nil, &ExitError{Code: result.ExitCode, Stderr: result.Stderr}
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return result, nil, engine.NewInvalidArgumentsError(
			fmt.Sprintf("script did not write its output to $%s", OutputPathEnv), err)
	}
	return result, data, nil
}

// environ returns the agent environment with extra appended in key order.
func environ(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
