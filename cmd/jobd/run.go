package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"time"

	"github.com/mattjoyce/jobd/internal/api"
	"github.com/mattjoyce/jobd/internal/config"
	"github.com/mattjoyce/jobd/internal/console"
	"github.com/mattjoyce/jobd/internal/dispatch"
	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/lifetime"
	"github.com/mattjoyce/jobd/internal/log"
	"github.com/mattjoyce/jobd/internal/supervisor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// eventBacklog is how many lifecycle events /events replays to a new client.
const eventBacklog = 256

// pooledFlushEvery buffers log records between spawns in pooled mode.
const pooledFlushEvery = 16

func runDaemon(cmd *cobra.Command, f *flags) error {
	cfg, overrides, err := f.loadConfig(cmd)
	if err != nil {
		return err
	}

	foreground := !lifetime.Detached()
	if cfg.Daemon.Demonize && foreground {
		pid, err := lifetime.Detach(os.Args[1:])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon %s forked to background, pid %d\n", cfg.Service.Name, pid)
		return nil
	}

	var consoleOut io.Writer
	if foreground {
		consoleOut = console.NewWriter(os.Stderr)
	}
	flushEvery := 1
	if cfg.Daemon.IsMultiInstance {
		flushEvery = pooledFlushEvery
	}
	if err := log.Setup(log.Options{
		Level:      cfg.Service.LogLevel,
		Format:     cfg.Service.LogFormat,
		File:       cfg.LogFile(),
		MaxSizeMB:  cfg.Service.LogMaxSizeMB,
		MaxFiles:   cfg.Service.LogMaxFiles,
		FlushEvery: flushEvery,
		Console:    consoleOut,
		Attrs:      []slog.Attr{slog.String("process", cfg.Service.Name)},
	}); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer log.Close()

	logger := log.WithComponent("main")
	logger.Info("jobd starting", "version", version, "commit", gitCommit, "config", cfg.Path, "foreground", foreground)

	if err := lifetime.SetProcessTitle(cfg.Service.Name); err != nil {
		logger.Debug("setting process title failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs, stopSignals := supervisor.NotifySignals()
	defer stopSignals()

	conns := buildConnections(cfg, log.WithComponent("connection"))
	defer func() {
		if err := conns.CloseAll(); err != nil {
			logger.Warn("closing connections failed", "error", err)
		}
	}()

	src, lookup, err := buildSource(ctx, cfg, conns)
	if err != nil {
		logger.Error("failed to open job source", "error", err)
		return err
	}

	hub := events.NewHub(eventBacklog)
	shutdownTracing, err := startTracing(cfg, hub, log.WithComponent("tracing"))
	if err != nil {
		logger.Error("failed to start tracing", "error", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	registry := lifetime.NewRegistry(cfg.Service.Name, cfg.Service.PIDDir, cfg.Daemon.MemoryLimit,
		lifetime.WithLogger(log.WithComponent("lifetime")))
	state := supervisor.NewState(cfg.Service.Name, registry.PID(), registry.StartedAt(), cfg.Daemon.MaxChildProcesses)
	reloader := config.NewReloader(cfg, overrides)

	spawner := &dispatch.ProcessSpawner{}
	if foreground {
		spawner.Stderr = os.Stderr
	}
	dispatcher := dispatch.New(dispatch.Config{
		Pooled:   cfg.Daemon.IsMultiInstance,
		Executor: buildExecutor(cfg, src, log.WithComponent("executor")),
		Spawner:  spawner,
		Children: state,
		Snapshot: snapshotFunc(reloader, state, logger),
		Flush:    log.Flush,
		Logger:   log.WithComponent("dispatch"),
	})

	opts := supervisor.Options{
		Mode:       supervisor.Mode(cfg.Daemon.Mode),
		Tunables:   tunablesFrom(cfg),
		Source:     src,
		Dispatcher: dispatcher,
		Registry:   registry,
		State:      state,
		Renew:      conns.Renew,
		Hooks:      hub,
		Signals:    sigs,
		Reaper:     supervisor.WaitReaper{},
		Reload:     reloadFunc(reloader, logger),
		Logger:     log.WithComponent("supervisor"),
	}
	if w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, cfg.Service.Name); err == nil {
		defer w.Close()
		opts.Reporter = w
	} else {
		logger.Debug("syslog unavailable, uptime reports go to the log", "error", err)
	}
	sup := supervisor.New(opts)

	g, gctx := errgroup.WithContext(ctx)
	apiCtx, stopAPI := context.WithCancel(gctx)
	defer stopAPI()

	g.Go(func() error {
		defer stopAPI()
		return sup.Run(gctx)
	})
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.Token},
			sup, hub, src, lookup, log.WithComponent("api"))
		g.Go(func() error {
			return srv.Start(apiCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		return err
	}
	return nil
}
