// Package executor provides the job executors a jobd daemon can be
// configured with.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/log"
)

const (
	// maxOutputBytes caps the amount of stdout and stderr kept from a handler.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Command runs an external handler once per job. The job is written to the
// handler's stdin as JSON; exit status 0 means success.
type Command struct {
	Argv    []string
	Timeout time.Duration
	Env     map[string]string

	// Grace overrides terminationGracePeriod, for tests.
	Grace time.Duration

	Logger *slog.Logger
}

func (c *Command) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.WithComponent("executor")
}

func (c *Command) grace() time.Duration {
	if c.Grace > 0 {
		return c.Grace
	}
	return terminationGracePeriod
}

// Run implements job.Executor.
func (c *Command) Run(ctx context.Context, j job.Job) bool {
	logger := c.logger().With(slog.String("job_id", j.ID))
	stdout, stderr, err := c.run(ctx, j, logger)
	if stderr != "" {
		logger.Debug("handler stderr", "stderr", stderr)
	}
	if stdout != "" {
		logger.Debug("handler stdout", "stdout", stdout)
	}
	if err != nil {
		logger.Warn("job handler failed", "error", err)
		return false
	}
	return true
}

func (c *Command) run(ctx context.Context, j job.Job, logger *slog.Logger) (string, string, error) {
	if len(c.Argv) == 0 {
		return "", "", errors.New("no handler command configured")
	}
	input, err := json.Marshal(j)
	if err != nil {
		return "", "", fmt.Errorf("encode job: %w", err)
	}

	// Don't use CommandContext - we manage termination ourselves.
	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(os.Environ(), "JOBD_JOB_ID="+j.ID, "JOBD_JOB_KIND="+j.Kind)
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Own process group so a timeout reaches the handler's children too.
	setProcessGroup(cmd)
	// Stop waiting on output pipes held open by orphaned grandchildren.
	cmd.WaitDelay = c.grace()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", "", fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout := newCappedBuffer(maxOutputBytes)
	stderr := newCappedBuffer(maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("starting handler", "argv", c.Argv, "timeout", c.Timeout)
	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("start handler: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		_, err := stdin.Write(input)
		writeErr <- err
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
		c.terminate(cmd, waitErr, logger, "handler timed out")
		return stdout.String(), stderr.String(), context.DeadlineExceeded
	case <-ctx.Done():
		c.terminate(cmd, waitErr, logger, "context cancelled")
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), stderr.String(), fmt.Errorf("handler exited with status %d", exitErr.ExitCode())
			}
			return stdout.String(), stderr.String(), fmt.Errorf("wait for handler: %w", err)
		}
		// A handler may exit without reading its input.
		if werr := <-writeErr; werr != nil && !errors.Is(werr, syscall.EPIPE) && !errors.Is(werr, os.ErrClosed) {
			logger.Debug("writing job to handler failed", "error", werr)
		}
		return stdout.String(), stderr.String(), nil
	}
}

// terminate sends SIGTERM, then SIGKILL once the grace period expires.
func (c *Command) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger, reason string) {
	logger.Warn(reason + ", sending SIGTERM")
	if err := terminateGroup(cmd); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(c.grace())
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("handler exited after SIGTERM")
	case <-grace.C:
		logger.Warn("handler did not exit after SIGTERM, sending SIGKILL")
		if err := killGroup(cmd); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}
