package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/dlowe-net/runward/internal/errors"
	"github.com/dlowe-net/runward/internal/logging"
)

// ExecLauncher runs the configured worker command once per dispatch
// attempt. Run parameters are passed through the environment:
//
//	RUNWARD_RUN_ID, RUNWARD_RESOURCE, RUNWARD_FLOW,
//	RUNWARD_ATTEMPT, RUNWARD_RESULT_PATH
//
// Worker stdout and stderr are captured to the request's log file.
type ExecLauncher struct {
	command []string
	dir     string
	log     *logging.Logger
}

// ExecOption configures an ExecLauncher.
type ExecOption func(*ExecLauncher)

// WithWorkDir sets the working directory for worker processes.
func WithWorkDir(dir string) ExecOption {
	return func(l *ExecLauncher) { l.dir = dir }
}

// WithLogger sets the logger for launch diagnostics.
func WithLogger(log *logging.Logger) ExecOption {
	return func(l *ExecLauncher) { l.log = log }
}

// NewExecLauncher creates a launcher for the given worker command line.
func NewExecLauncher(command []string, opts ...ExecOption) *ExecLauncher {
	l := &ExecLauncher{
		command: command,
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch spawns the worker and waits for it to exit. A spawn failure is
// reported as a LaunchError (retryable); a non-zero exit is an ordinary
// error (terminal); context cancellation surfaces as ctx.Err().
func (l *ExecLauncher) Launch(ctx context.Context, req Request) error {
	if len(l.command) == 0 {
		return errors.NewLaunchError("start worker", errors.New("no worker command configured"))
	}

	cmd := exec.CommandContext(ctx, l.command[0], l.command[1:]...)
	cmd.Dir = l.dir
	cmd.Env = append(os.Environ(),
		"RUNWARD_RUN_ID="+req.RunID,
		"RUNWARD_RESOURCE="+req.ResourceKey,
		"RUNWARD_FLOW="+req.Flow,
		"RUNWARD_ATTEMPT="+strconv.Itoa(req.Attempt),
		"RUNWARD_RESULT_PATH="+req.ResultPath,
	)

	logFile, err := l.openLog(req.LogPath)
	if err != nil {
		return errors.NewLaunchError("open run log", err)
	}
	defer func() { _ = logFile.Close() }()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return errors.NewLaunchError("start worker", err)
	}
	l.log.Debug("worker started", "run_id", req.RunID, "pid", cmd.Process.Pid, "attempt", req.Attempt)

	err = cmd.Wait()
	if ctx.Err() != nil {
		// CommandContext killed the process; report the cancellation,
		// not the resulting exit error.
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}

func (l *ExecLauncher) openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}
