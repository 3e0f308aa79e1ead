// Package lifetime owns what lives exactly as long as the daemon process:
// the pid file, the uptime clock and the memory watchdog.
package lifetime

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/jobd/internal/log"
)

// Registry is created once per daemon process.
type Registry struct {
	name      string
	pid       int
	startedAt time.Time
	now       func() time.Time
	pidFile   *PIDFile
	watchdog  *Watchdog
	logger    *slog.Logger
}

type RegistryOption func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithPID overrides the process id recorded in the pid file.
func WithPID(pid int) RegistryOption {
	return func(r *Registry) { r.pid = pid }
}

// WithSampler overrides how memory usage is sampled.
func WithSampler(s MemorySampler) RegistryOption {
	return func(r *Registry) { r.watchdog.sample = s }
}

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry starts the uptime clock. The pid file is not touched until Start.
func NewRegistry(name, pidDir string, memoryLimit uint64, opts ...RegistryOption) *Registry {
	r := &Registry{
		name:     name,
		pid:      os.Getpid(),
		now:      time.Now,
		watchdog: NewWatchdog(memoryLimit, nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.WithComponent("lifetime")
	}
	r.startedAt = r.now()
	r.pidFile = NewPIDFile(pidDir, name, r.pid)
	return r
}

// Start writes the pid file. A failure here is fatal for the daemon.
func (r *Registry) Start() error {
	if err := r.pidFile.Write(); err != nil {
		r.logger.Error("pid file write failed", "path", r.pidFile.Path(), "error", err)
		return err
	}
	r.logger.Info("pid file written", "path", r.pidFile.Path(), "pid", r.pid)
	return nil
}

// Shutdown removes the pid file if it still belongs to this process. A
// missing file is logged and otherwise ignored.
func (r *Registry) Shutdown() {
	removed, err := r.pidFile.Remove()
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.logger.Error("pid file missing at shutdown", "path", r.pidFile.Path(), "error", err)
	case err != nil:
		r.logger.Error("pid file removal failed", "path", r.pidFile.Path(), "error", err)
	case removed:
		r.logger.Debug("pid file removed", "path", r.pidFile.Path())
	default:
		r.logger.Info("pid file belongs to another instance, leaving it", "path", r.pidFile.Path())
	}
}

func (r *Registry) ProcessName() string { return r.name }

func (r *Registry) PID() int { return r.pid }

func (r *Registry) PIDFile() *PIDFile { return r.pidFile }

func (r *Registry) StartedAt() time.Time { return r.startedAt }

func (r *Registry) Watchdog() *Watchdog { return r.watchdog }

// Uptime is the time elapsed since the registry was created.
func (r *Registry) Uptime() time.Duration { return r.now().Sub(r.startedAt) }

func (r *Registry) UptimeString() string { return FormatUptime(r.Uptime()) }
