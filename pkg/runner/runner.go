// Package runner is the Command Runner (C1): the single choke point through
// which every other subsystem shells out to host tools (brctl, ovs-vsctl,
// lxc-*, lsblk, dd, tgt-admin, ...). Every external mutation in the agent
// goes through a Runner so fake-execute mode and retry/timeout policy live
// in one place.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cuemby/wormhole/pkg/log"
)

// Options configures a single Run call.
type Options struct {
	Stdin             string
	RunAsRoot         bool
	AcceptedExitCodes []int // defaults to []int{0} when nil
	Attempts          int   // defaults to 1
	Timeout           time.Duration
}

func (o Options) acceptedExitCodes() []int {
	if o.AcceptedExitCodes == nil {
		return []int{0}
	}
	return o.AcceptedExitCodes
}

func (o Options) attempts() int {
	if o.Attempts <= 0 {
		return 1
	}
	return o.Attempts
}

// CommandError is returned when a command exits with a code outside the
// accepted set, or fails to start at all.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error // non-nil only when the process failed to start/run at all
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %v failed to run: %v", e.Argv, e.Err)
	}
	return fmt.Sprintf("command %v exited %d: %s", e.Argv, e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Execer abstracts process execution so callers can be tested without
// touching the host. Runner.Run is built on it.
type Execer interface {
	Run(ctx context.Context, argv []string, stdin string) (stdout, stderr string, exitCode int, err error)
}

// Runner executes external binaries on behalf of the rest of the agent.
type Runner struct {
	exec Execer

	// FakeExecute mirrors the original's fake_execute config option: when
	// set, Run logs the argv and returns success without touching the host.
	FakeExecute bool
}

// New creates a Runner backed by real os/exec process execution.
func New() *Runner {
	return &Runner{exec: osExecer{}}
}

// NewWithExecer creates a Runner backed by a caller-supplied Execer, for
// tests that need to fake host command output.
func NewWithExecer(e Execer) *Runner {
	return &Runner{exec: e}
}

// Run executes argv, retrying per opts.Attempts with a 1-second pause
// between attempts on failure. RunAsRoot is carried for callers to prefix
// argv with a root-escalation wrapper before calling Run; this package does
// not itself prepend one (no rootwrap equivalent exists on the target host,
// matching the original's own no-op get_root_helper).
func (r *Runner) Run(ctx context.Context, argv []string, opts Options) (stdout, stderr string, err error) {
	if r.FakeExecute {
		log.Logger.Debug().Strs("argv", argv).Msg("fake execute")
		return "fake", "", nil
	}

	accepted := opts.acceptedExitCodes()
	attempts := opts.attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		stdout, stderr, exitCode, runErr := r.exec.Run(runCtx, argv, opts.Stdin)
		if cancel != nil {
			cancel()
		}

		if runErr != nil {
			lastErr = &CommandError{Argv: argv, Stdout: stdout, Stderr: stderr, Err: runErr}
		} else if !contains(accepted, exitCode) {
			lastErr = &CommandError{Argv: argv, ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
		} else {
			return stdout, stderr, nil
		}

		if attempt < attempts {
			log.Logger.Warn().Strs("argv", argv).Int("attempt", attempt).Err(lastErr).Msg("command failed, retrying")
			time.Sleep(time.Second)
		}
	}
	return "", "", lastErr
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// osExecer is the real Execer, shelling out via os/exec.
type osExecer struct{}

func (osExecer) Run(ctx context.Context, argv []string, stdin string) (string, string, int, error) {
	if len(argv) == 0 {
		return "", "", -1, fmt.Errorf("runner: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			runErr = nil // non-zero exit is reported via exitCode, not err
		} else {
			return stdout.String(), stderr.String(), -1, runErr
		}
	}
	return stdout.String(), stderr.String(), exitCode, runErr
}
