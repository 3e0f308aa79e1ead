package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/log"
	"github.com/mattjoyce/jobd/internal/protocol"
)

// ErrSpawn wraps every failure to start a worker process.
var ErrSpawn = errors.New("can't fork worker")

// Spawner starts a worker process for env and returns its pid without
// waiting for it. A positive pid with a non-nil error means the process
// started but the handoff failed; it still has to be reaped.
type Spawner interface {
	Spawn(ctx context.Context, env *protocol.Envelope) (int, error)
}

// ChildRegistry tracks started workers until they are reaped.
type ChildRegistry interface {
	Register(pid int, j job.Job)
}

// Config wires a Dispatcher.
type Config struct {
	// Pooled selects spawned workers over in-process execution.
	Pooled bool

	// Executor runs jobs in-process. Required when Pooled is false.
	Executor job.Executor

	// Spawner, Children and Snapshot are required when Pooled is true.
	Spawner  Spawner
	Children ChildRegistry
	Snapshot func(job.Job) *protocol.Envelope

	// Flush persists buffered log records. Defaults to log.Flush.
	Flush func() error

	Logger *slog.Logger
}

type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Flush == nil {
		cfg.Flush = log.Flush
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Pooled reports whether jobs run in spawned workers.
func (d *Dispatcher) Pooled() bool { return d.cfg.Pooled }

// Dispatch runs j. In-process it returns the job's own result. Pooled it
// returns true once the worker has started and received its job.
func (d *Dispatcher) Dispatch(ctx context.Context, j job.Job) bool {
	_, ok := d.DispatchPID(ctx, j)
	return ok
}

// DispatchPID is Dispatch that also returns the worker pid when pooled.
func (d *Dispatcher) DispatchPID(ctx context.Context, j job.Job) (int, bool) {
	if !d.cfg.Pooled {
		return 0, d.cfg.Executor.Run(ctx, j)
	}
	pid, err := d.spawn(ctx, j)
	return pid, pid > 0 && err == nil
}

func (d *Dispatcher) spawn(ctx context.Context, j job.Job) (int, error) {
	logger := d.logger.With(slog.String("job_id", j.ID))

	// Anything still buffered would otherwise be interleaved out of order
	// with the worker's own records.
	if err := d.cfg.Flush(); err != nil {
		logger.Warn("flushing logs before spawn failed", "error", err)
	}

	pid, err := d.cfg.Spawner.Spawn(ctx, d.cfg.Snapshot(j))
	if pid > 0 {
		d.cfg.Children.Register(pid, j)
	}
	if err != nil {
		if pid > 0 {
			logger.Error("worker started but handoff failed", "pid", pid, "error", err)
		} else {
			logger.Error("worker spawn failed", "error", err)
		}
		return pid, err
	}
	logger.Debug("worker spawned", "pid", pid)
	return pid, nil
}
