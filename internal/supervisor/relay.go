package supervisor

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/jobd/internal/events"
)

// Reporter receives the uptime report. *syslog.Writer satisfies it.
type Reporter interface {
	Info(msg string) error
}

// Relay turns pending OS signals into state changes. It only runs on the
// loop goroutine, at the loop's poll points, so State needs no locking.
type Relay struct {
	signals  <-chan os.Signal
	state    *State
	reaper   Reaper
	hooks    Publisher
	reporter Reporter
	uptime   func() string
	reload   func()
	logger   *slog.Logger
}

// Drain applies every signal already pending and returns.
func (r *Relay) Drain(ctx context.Context) {
	for {
		select {
		case sig := <-r.signals:
			r.apply(sig)
		default:
			r.checkContext(ctx)
			return
		}
	}
}

// Sleep waits for d, applying signals as they arrive. It returns early only
// when a stop is requested.
func (r *Relay) Sleep(ctx context.Context, d time.Duration) {
	r.Drain(ctx)
	if r.state.StopRequested() || d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case sig := <-r.signals:
			r.apply(sig)
			if r.state.StopRequested() {
				return
			}
		case <-ctx.Done():
			r.checkContext(ctx)
			return
		case <-timer.C:
			r.Drain(ctx)
			return
		}
	}
}

func (r *Relay) checkContext(ctx context.Context) {
	if ctx.Err() != nil && r.state.RequestStop("context cancelled") {
		r.logger.Info("Context cancelled, stopping")
	}
}

// signalAction is what the relay does with one signal.
type signalAction int

const (
	actionIgnore signalAction = iota
	actionStop
	actionReap
	actionReportUptime
	actionReload
)

func (r *Relay) apply(sig os.Signal) {
	switch actionFor(sig) {
	case actionStop:
		name := signalName(sig)
		if r.state.RequestStop(name) {
			r.logger.Info("Catch " + name + " signal")
		}
	case actionReap:
		r.Reap()
	case actionReportUptime:
		r.reportUptime()
	case actionReload:
		r.logger.Info("Catch SIGHUP signal, reloading configuration")
		if r.reload != nil {
			r.reload()
		}
	default:
		r.logger.Debug("ignoring signal", "signal", sig.String())
	}
}

// Reap collects every worker that has exited so far and returns how many
// were removed from the registry. Several exits may share one SIGCHLD.
func (r *Relay) Reap() int {
	removed := 0
	for {
		pid, status, ok, err := r.reaper.Reap()
		if err != nil {
			r.logger.Error("reaping workers failed", "error", err)
			return removed
		}
		if !ok {
			return removed
		}

		child, known := r.state.Remove(pid)
		if !known {
			r.logger.Debug("reaped process that is not a worker", "pid", pid, "exit_code", status.Code)
			continue
		}
		removed++

		attrs := []any{"pid", pid, "job_id", child.JobID, "exit_code", status.Code, "active", r.state.Active()}
		if status.Signal != "" {
			attrs = append(attrs, "signal", status.Signal)
		}
		if status.OK() {
			r.logger.Info("worker finished", attrs...)
		} else {
			r.logger.Warn("worker failed", attrs...)
		}
		if r.hooks != nil {
			r.hooks.Publish(events.WorkerReaped, events.Worker{
				PID:      pid,
				JobID:    child.JobID,
				ExitCode: status.Code,
				Signal:   status.Signal,
				Active:   r.state.Active(),
			})
		}
	}
}

func (r *Relay) reportUptime() {
	msg := "Process uptime: " + r.uptime()
	if r.reporter != nil {
		err := r.reporter.Info(msg)
		if err == nil {
			r.publishUptime()
			return
		}
		r.logger.Warn("syslog unavailable, logging uptime instead", "error", err)
	}
	r.logger.Info(msg)
	r.publishUptime()
}

func (r *Relay) publishUptime() {
	if r.hooks != nil {
		r.hooks.Publish(events.DaemonUptime, events.Daemon{
			ProcessName: r.state.ProcessName(),
			PID:         r.state.OwnPID(),
			Uptime:      r.uptime(),
		})
	}
}
