package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/jobd/internal/config"
	"github.com/mattjoyce/jobd/internal/dispatch"
	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/log"
	"github.com/mattjoyce/jobd/internal/protocol"
)

// runWorker runs the single job a pooled daemon handed over on stdin and
// returns the worker's exit status.
func runWorker(stdin io.Reader) int {
	env, err := protocol.DecodeEnvelope(stdin)
	if err != nil {
		reportWorkerFailure("reading job envelope failed", err)
		return protocol.ExitFailed
	}

	cfg := config.Defaults()
	if len(env.Config) > 0 {
		if err := json.Unmarshal(env.Config, cfg); err != nil {
			reportWorkerFailure("decoding config snapshot failed", err)
			return protocol.ExitFailed
		}
	}

	if err := log.Setup(workerLogOptions(cfg,
		slog.String("process", env.ProcessName),
		slog.Int("parent_pid", env.ParentPID),
	)); err != nil {
		fmt.Fprintf(os.Stderr, "jobd worker: set up logging: %v\n", err)
		return protocol.ExitFailed
	}
	defer log.Close()

	logger := log.WithComponent("worker")
	restore := dispatch.IgnoreInterrupts(logger)
	defer restore()

	ctx := context.Background()

	conns := buildConnections(cfg, log.WithComponent("connection"))
	defer func() {
		if err := conns.CloseAll(); err != nil {
			logger.Warn("closing connections failed", "error", err)
		}
	}()

	src, _, err := buildSource(ctx, cfg, conns)
	if err != nil {
		logger.Error("failed to open job source", "error", err)
		return protocol.ExitFailed
	}

	hub := events.NewHub(16)
	shutdownTracing, err := startTracing(cfg, hub, log.WithComponent("tracing"))
	if err != nil {
		logger.Warn("tracing disabled in worker", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	w := &dispatch.Worker{
		Executor: buildExecutor(cfg, src, log.WithComponent("executor")),
		Renew:    conns.Renew,
		Hooks:    hub,
		Logger:   logger,
	}
	return w.Run(ctx, env)
}

func workerLogOptions(cfg *config.Config, attrs ...slog.Attr) log.Options {
	return log.Options{
		Level:     cfg.Service.LogLevel,
		Format:    cfg.Service.LogFormat,
		File:      cfg.LogFile(),
		MaxSizeMB: cfg.Service.LogMaxSizeMB,
		MaxFiles:  cfg.Service.LogMaxFiles,
		Attrs:     append([]slog.Attr{slog.Int("worker_pid", os.Getpid())}, attrs...),
	}
}

// reportWorkerFailure reports a worker that cannot start its job. A detached
// daemon's workers write stderr to /dev/null, so the failure also goes to
// the default log file.
func reportWorkerFailure(msg string, err error) {
	fmt.Fprintf(os.Stderr, "jobd worker: %s: %v\n", msg, err)
	if log.Setup(workerLogOptions(config.Defaults())) != nil {
		return
	}
	defer log.Close()
	log.WithComponent("worker").Error(msg, "error", err)
}
