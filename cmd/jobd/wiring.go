package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/jobd/internal/api"
	"github.com/mattjoyce/jobd/internal/config"
	"github.com/mattjoyce/jobd/internal/connection"
	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/executor"
	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/protocol"
	"github.com/mattjoyce/jobd/internal/queue"
	"github.com/mattjoyce/jobd/internal/spool"
	"github.com/mattjoyce/jobd/internal/supervisor"
	"github.com/mattjoyce/jobd/internal/tracing"
	"github.com/viant/afs"
)

// jobSource is what both built-in sources provide.
type jobSource interface {
	job.Source
	job.Completer
	job.Releaser
	api.Enqueuer
}

func buildConnections(cfg *config.Config, logger *slog.Logger) *connection.Manager {
	conns := connection.NewManager(logger)
	for name, c := range cfg.Connections {
		conns.Register(name, connection.SQLiteOpener(c.Path))
	}
	return conns
}

// buildSource returns the configured source. lookup is nil for sources that
// keep no job history.
func buildSource(ctx context.Context, cfg *config.Config, conns *connection.Manager) (jobSource, api.JobLookup, error) {
	switch cfg.Source.Type {
	case config.SourceSpool:
		s, err := spool.New(ctx, afs.New(), cfg.Source.SpoolDir, cfg.Daemon.BatchSize)
		if err != nil {
			return nil, nil, fmt.Errorf("open spool: %w", err)
		}
		return s, nil, nil
	case config.SourceSQLite:
		q := queue.New(conns, cfg.Source.Connection, cfg.Daemon.BatchSize)
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

// buildExecutor runs the configured command and records its outcome on the
// source.
func buildExecutor(cfg *config.Config, completer job.Completer, logger *slog.Logger) job.Executor {
	return &executor.Acknowledging{
		Next: &executor.Command{
			Argv:    cfg.Executor.Command,
			Timeout: cfg.Executor.Timeout,
			Env:     cfg.Executor.Env,
			Logger:  logger,
		},
		Completer: completer,
		Logger:    logger,
	}
}

func tunablesFrom(cfg *config.Config) supervisor.Tunables {
	return supervisor.Tunables{
		Sleep:         cfg.Daemon.Sleep,
		AdmissionPoll: cfg.Daemon.AdmissionPoll,
		MaxChildren:   cfg.Daemon.MaxChildProcesses,
		MemoryLimit:   cfg.Daemon.MemoryLimit,
		Connections:   cfg.Daemon.Connections,
		LogLevel:      cfg.Service.LogLevel,
	}
}

// reloadFunc adapts the config reloader to the supervisor.
func reloadFunc(rl *config.Reloader, logger *slog.Logger) supervisor.ReloadFunc {
	return func() (supervisor.Tunables, bool, error) {
		res, err := rl.Reload()
		if err != nil {
			return tunablesFrom(res.Config), false, err
		}
		if len(res.Ignored) > 0 {
			logger.Warn("config changes need a restart to take effect", "sections", res.Ignored)
		}
		return tunablesFrom(res.Config), res.Changed, nil
	}
}

// snapshotFunc builds the envelope a pooled worker starts from: the job plus
// the configuration in effect when it was spawned.
func snapshotFunc(rl *config.Reloader, state *supervisor.State, logger *slog.Logger) func(job.Job) *protocol.Envelope {
	return func(j job.Job) *protocol.Envelope {
		cur := rl.Current()
		raw, err := json.Marshal(cur)
		if err != nil {
			logger.Warn("encoding config snapshot failed", "error", err)
		}
		return &protocol.Envelope{
			Protocol:    protocol.Version,
			Job:         j,
			ProcessName: state.ProcessName(),
			ParentPID:   state.OwnPID(),
			StartedAt:   time.Now().UTC(),
			Iteration:   state.Iterations(),
			Connections: cur.Daemon.Connections,
			Config:      raw,
		}
	}
}

// startTracing attaches a span observer to hub when tracing is enabled. The
// returned function flushes and closes the exporter.
func startTracing(cfg *config.Config, hub *events.Hub, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Tracing.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	p, err := tracing.NewStdout(cfg.Service.Name, cfg.Tracing.Output)
	if err != nil {
		return nil, err
	}
	tracing.NewObserver(p.Tracer(), logger).Attach(hub)
	return p.Shutdown, nil
}
