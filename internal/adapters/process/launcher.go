package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/logging"
)

// Environment variables exported to every run.
const (
	EnvRunID      = "XPRUN_RUN_ID"
	EnvRunDir     = "XPRUN_RUN_DIR"
	EnvResultFile = "XPRUN_RESULT_FILE"
)

// Launcher implements core.ProcessLauncher. The interpreter command is
// prepended to the script path and its arguments.
type Launcher struct {
	command []string
	env     []string
	logger  *logging.Logger
}

// NewLauncher creates a launcher running scripts with command
// (e.g. ["python3", "-u"]). env is appended to the inherited environment.
func NewLauncher(command, env []string, logger *logging.Logger) *Launcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Launcher{
		command: append([]string{}, command...),
		env:     append([]string{}, env...),
		logger:  logger,
	}
}

// Command returns the interpreter command.
func (l *Launcher) Command() []string {
	return append([]string{}, l.command...)
}

// Launch starts the script and returns without waiting for it. The child
// runs in its own process group so terminal signals aimed at the caller do
// not reach it, and it is not tied to ctx: a run outlives the invocation
// that started it.
func (l *Launcher) Launch(ctx context.Context, spec core.LaunchSpec) (core.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(l.command) == 0 {
		return nil, errors.New("no interpreter configured")
	}

	args := make([]string, 0, len(l.command)+len(spec.Args))
	args = append(args, l.command[1:]...)
	args = append(args, spec.ScriptPath)
	args = append(args, spec.Args...)

	// #nosec G204 -- interpreter comes from configuration, script from the run record
	cmd := exec.Command(l.command[0], args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = spec.Log
	cmd.Stderr = spec.Log

	env := os.Environ()
	env = append(env, l.env...)
	env = append(env, spec.Env...)
	cmd.Env = env

	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", l.command[0], err)
	}

	l.logger.Debug("process started",
		"run_id", spec.RunID,
		"pid", cmd.Process.Pid,
		"command", l.command[0],
		"args", args,
	)
	return &handle{cmd: cmd}, nil
}

type handle struct {
	cmd *exec.Cmd
}

func (h *handle) PID() int {
	return h.cmd.Process.Pid
}

// Wait reaps the process. Exit codes are reported in Code; Err is set only
// when no exit code exists, e.g. the process was killed by a signal.
func (h *handle) Wait() core.ExitStatus {
	err := h.cmd.Wait()
	if err == nil {
		return core.ExitStatus{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return core.ExitStatus{Code: code}
		}
		return core.ExitStatus{Code: -1, Err: exitErr}
	}
	return core.ExitStatus{Code: -1, Err: err}
}

var _ core.ProcessLauncher = (*Launcher)(nil)
