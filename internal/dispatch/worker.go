package dispatch

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/log"
	"github.com/mattjoyce/jobd/internal/protocol"
)

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(kind string, data any) events.Event
}

// Worker is the state a spawned worker runs one job with.
type Worker struct {
	Executor job.Executor

	// Renew re-establishes the worker's external connections.
	Renew func(ctx context.Context, names []string) error

	// Hooks receives job.before and job.after. Optional.
	Hooks Publisher

	// Discard drops log records buffered before the worker took over.
	// Defaults to log.Discard.
	Discard func()

	Logger *slog.Logger
}

// Run executes the job in env and returns the worker's exit status. It
// never returns control to a supervisor loop.
func (w *Worker) Run(ctx context.Context, env *protocol.Envelope) int {
	discard := w.Discard
	if discard == nil {
		discard = log.Discard
	}
	discard()

	logger := w.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	logger = logger.With(
		slog.String("job_id", env.Job.ID),
		slog.Int("worker_pid", os.Getpid()),
		slog.Int("parent_pid", env.ParentPID),
	)

	if w.Renew != nil {
		if err := w.Renew(ctx, env.Connections); err != nil {
			logger.Error("renewing connections failed", "error", err)
			return protocol.ExitFailed
		}
	}

	run := events.JobRun{
		Iteration: env.Iteration,
		JobID:     env.Job.ID,
		Kind:      env.Job.Kind,
		Pooled:    true,
		WorkerPID: os.Getpid(),
	}
	w.publish(events.JobBefore, run)

	logger.Debug("job started")
	ok := w.Executor.Run(ctx, env.Job)

	run.OK = &ok
	w.publish(events.JobAfter, run)

	if !ok {
		logger.Warn("job failed")
		return protocol.ExitFailed
	}
	logger.Info("job completed")
	return protocol.ExitOK
}

func (w *Worker) publish(kind string, data any) {
	if w.Hooks != nil {
		w.Hooks.Publish(kind, data)
	}
}

// IgnoreInterrupts keeps a worker alive through SIGINT, SIGTERM and SIGHUP
// so it always finishes its job. Each signal is logged. Call the returned
// function to restore default handling.
func IgnoreInterrupts(logger *slog.Logger) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				logger.Info("worker received signal, finishing job", "signal", sig.String())
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
