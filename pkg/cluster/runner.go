package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
)

// ErrCommandTimeout is returned when a command outlives the runner timeout
var ErrCommandTimeout = errors.New("command timed out")

// Runner executes provider command line tools with a hard wall clock limit.
// On expiry the process gets SIGTERM, then SIGKILL if it has not exited
// after Grace.
type Runner struct {
	Timeout time.Duration
	Grace   time.Duration
}

// Executor runs one command. *Runner is the real one; CLI drivers take an
// Executor so tests can script the tool's output.
type Executor interface {
	Run(ctx context.Context, argv []string, env map[string]string) (Result, error)
}

// NewRunner creates a runner with the given timeout and a 2 second grace
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{
		Timeout: timeout,
		Grace:   2 * time.Second,
	}
}

// Result is the outcome of a finished command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Output returns stdout followed by stderr, which is what the provider tools
// print their diagnostics to
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Run executes argv with extra environment variables. A non-zero exit is
// returned as an error alongside the populated Result.
func (r *Runner) Run(ctx context.Context, argv []string, env map[string]string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("no command specified")
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.Grace
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("%s: %w after %s", argv[0], ErrCommandTimeout, r.Timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", argv[0], err)
	}
	return res, nil
}

// SplitCommand splits a configured command line using shell quoting rules
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

// ExpandCommand splits a command template and replaces {key} placeholders
// in each argument with vars[key]. Substitution happens after splitting so
// values containing spaces stay one argument. Each argument is expanded in a
// single pass, so placeholders inside substituted values are left alone.
func ExpandCommand(template string, vars map[string]string) ([]string, error) {
	argv, err := SplitCommand(template)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", vars[k])
	}
	r := strings.NewReplacer(pairs...)
	for i, arg := range argv {
		argv[i] = r.Replace(arg)
	}
	return argv, nil
}
