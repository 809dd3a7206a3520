package actuator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyopkg/pkg/engine"
)

// Default locations of the service-management commands.
const (
	DefaultSvcprop = "/usr/bin/svcprop"
	DefaultSvcadm  = "/usr/sbin/svcadm"
	DefaultSvcs    = "/usr/bin/svcs"
)

// Executor runs a command and returns its combined output and exit status.
// err is reserved for failures to start or wait for the command.
type Executor interface {
	Run(ctx context.Context, argv []string) (output []byte, exitCode int, err error)
}

// ExecExecutor runs commands with os/exec.
type ExecExecutor struct{}

// Run implements Executor.
func (ExecExecutor) Run(ctx context.Context, argv []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, err
	}
	return out, 0, nil
}

// CommandObserver is notified after every service command.
type CommandObserver interface {
	ObserveCommand(argv []string, duration time.Duration, err error)
}

// Paths holds the locations of the service-management commands.
type Paths struct {
	Svcadm  string
	Svcprop string
	Svcs    string
}

// DefaultPaths returns the standard command locations.
func DefaultPaths() Paths {
	return Paths{Svcadm: DefaultSvcadm, Svcprop: DefaultSvcprop, Svcs: DefaultSvcs}
}

// CommandRunner invokes service-management commands, optionally redirected
// under a substitute command root.
type CommandRunner struct {
	exec     Executor
	paths    Paths
	root     string
	observer CommandObserver
	logger   zerolog.Logger
}

// NewCommandRunner returns a runner using exec. A nil exec selects
// ExecExecutor; empty paths select the defaults.
func NewCommandRunner(executor Executor, paths Paths, logger zerolog.Logger) *CommandRunner {
	if executor == nil {
		executor = ExecExecutor{}
	}
	def := DefaultPaths()
	if paths.Svcadm == "" {
		paths.Svcadm = def.Svcadm
	}
	if paths.Svcprop == "" {
		paths.Svcprop = def.Svcprop
	}
	if paths.Svcs == "" {
		paths.Svcs = def.Svcs
	}
	return &CommandRunner{exec: executor, paths: paths, logger: logger}
}

// SetRoot redirects every command to root joined with the command path
// stripped of its leading '/'.
func (r *CommandRunner) SetRoot(root string) { r.root = root }

// Root returns the command root, empty when commands run in place.
func (r *CommandRunner) Root() string { return r.root }

// SetObserver registers o to be told about every command.
func (r *CommandRunner) SetObserver(o CommandObserver) { r.observer = o }

// Run executes argv and returns its output lines. A non-zero exit is
// returned as *engine.CommandError.
func (r *CommandRunner) Run(ctx context.Context, argv ...string) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	args := make([]string, len(argv))
	copy(args, argv)
	if r.root != "" {
		args[0] = filepath.Join(r.root, strings.TrimLeft(args[0], "/"))
	}

	start := time.Now()
	out, code, err := r.exec.Run(ctx, args)
	switch {
	case err != nil:
		err = fmt.Errorf("cannot execute %v: %w", args, err)
	case code != 0:
		err = &engine.CommandError{Args: args, ExitCode: code, Output: string(out)}
	}
	if r.observer != nil {
		r.observer.ObserveCommand(args, time.Since(start), err)
	}

	r.logger.Debug().
		Strs("argv", args).
		Int("exit_code", code).
		Dur("duration", time.Since(start)).
		Msg("Ran service command")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(out []byte) []string {
	s := strings.TrimRight(string(out), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Properties returns the configured properties of a service instance.
func (r *CommandRunner) Properties(ctx context.Context, fmri string) ([]string, error) {
	return r.Run(ctx, r.paths.Svcprop, "-c", fmri)
}

// Instances lists the service instances matching a pattern.
func (r *CommandRunner) Instances(ctx context.Context, pattern string) ([]string, error) {
	lines, err := r.Run(ctx, r.paths.Svcs, "-H", "-o", "fmri", pattern)
	if err != nil {
		return nil, err
	}
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// svcadm runs one batched svcadm invocation; nothing runs for an empty list.
func (r *CommandRunner) svcadm(ctx context.Context, args []string, fmris []string) error {
	if len(fmris) == 0 {
		return nil
	}
	argv := append([]string{r.paths.Svcadm}, args...)
	_, err := r.Run(ctx, append(argv, fmris...)...)
	return err
}

// Suspend disables services temporarily and waits for them to stop.
func (r *CommandRunner) Suspend(ctx context.Context, fmris []string) error {
	return r.svcadm(ctx, []string{"disable", "-st"}, fmris)
}

// Disable disables services and waits for them to stop.
func (r *CommandRunner) Disable(ctx context.Context, fmris []string) error {
	return r.svcadm(ctx, []string{"disable", "-s"}, fmris)
}

// Enable enables services, only until next boot when temporary is set.
func (r *CommandRunner) Enable(ctx context.Context, temporary bool, fmris []string) error {
	if temporary {
		return r.svcadm(ctx, []string{"enable", "-t"}, fmris)
	}
	return r.svcadm(ctx, []string{"enable"}, fmris)
}

// Refresh re-reads the configuration of services.
func (r *CommandRunner) Refresh(ctx context.Context, fmris []string) error {
	return r.svcadm(ctx, []string{"refresh"}, fmris)
}

// Restart restarts services.
func (r *CommandRunner) Restart(ctx context.Context, fmris []string) error {
	return r.svcadm(ctx, []string{"restart"}, fmris)
}

// MarkMaintenance puts services into the maintenance state.
func (r *CommandRunner) MarkMaintenance(ctx context.Context, fmris []string) error {
	return r.svcadm(ctx, []string{"mark", "maintenance"}, fmris)
}
