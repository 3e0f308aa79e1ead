// Package supervisor runs the daemon's iteration loop: it pulls jobs from a
// source, admits them into a bounded pool of workers and applies OS signals
// at well-defined poll points.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/lifetime"
	"github.com/mattjoyce/jobd/internal/log"
)

var (
	// ErrMemoryLimit ends the loop when sampled memory exceeds the ceiling.
	ErrMemoryLimit = lifetime.ErrMemoryLimit

	// ErrJobFailed ends the loop when an in-process job fails.
	ErrJobFailed = errors.New("job failed")
)

// Mode selects how an iteration consumes its batch.
type Mode string

const (
	// ModeReactive extracts jobs until none remain and sleeps only when the
	// batch was empty.
	ModeReactive Mode = "reactive"
	// ModeSnapshot dispatches a fixed batch and always sleeps.
	ModeSnapshot Mode = "snapshot"
)

const (
	DefaultSleep         = 5 * time.Second
	DefaultAdmissionPoll = time.Second
	DefaultMaxChildren   = 10
)

// Dispatcher admits one job into execution.
type Dispatcher interface {
	Pooled() bool
	DispatchPID(ctx context.Context, j job.Job) (int, bool)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(kind string, data any) events.Event
}

// Tunables are the settings a reload may change while running.
type Tunables struct {
	Sleep         time.Duration
	AdmissionPoll time.Duration
	MaxChildren   int
	MemoryLimit   uint64
	Connections   []string
	LogLevel      string
}

// ReloadFunc re-reads the configuration. changed is false when nothing
// reloadable differs from what is running.
type ReloadFunc func() (t Tunables, changed bool, err error)

// Options wires a Supervisor. Source, Dispatcher, Registry and State are
// required.
type Options struct {
	Mode      Mode
	Tunables  Tunables
	Extractor job.Extractor

	Source     job.Source
	Dispatcher Dispatcher
	Registry   *lifetime.Registry
	State      *State

	// Renew refreshes the named connections before every iteration.
	Renew func(ctx context.Context, names []string) error

	Hooks    Publisher
	Signals  <-chan os.Signal
	Reaper   Reaper
	Reporter Reporter
	Reload   ReloadFunc

	Logger *slog.Logger
}

type Supervisor struct {
	mode     Mode
	tun      Tunables
	extract  job.Extractor
	source   job.Source
	dispatch Dispatcher
	registry *lifetime.Registry
	state    *State
	renew    func(ctx context.Context, names []string) error
	hooks    Publisher
	reload   ReloadFunc
	relay    *Relay
	logger   *slog.Logger
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("supervisor")
	}
	if opts.Mode == "" {
		opts.Mode = ModeReactive
	}
	if opts.Extractor == nil {
		opts.Extractor = job.ShiftFront
	}
	opts.Tunables = withDefaults(opts.Tunables)
	opts.State.setCapacity(opts.Tunables.MaxChildren)

	s := &Supervisor{
		mode:     opts.Mode,
		tun:      opts.Tunables,
		extract:  opts.Extractor,
		source:   opts.Source,
		dispatch: opts.Dispatcher,
		registry: opts.Registry,
		state:    opts.State,
		renew:    opts.Renew,
		hooks:    opts.Hooks,
		reload:   opts.Reload,
		logger:   logger,
	}
	s.relay = &Relay{
		signals:  opts.Signals,
		state:    opts.State,
		reaper:   opts.Reaper,
		hooks:    opts.Hooks,
		reporter: opts.Reporter,
		uptime:   opts.Registry.UptimeString,
		reload:   s.applyReload,
		logger:   logger,
	}
	return s
}

func withDefaults(t Tunables) Tunables {
	if t.Sleep <= 0 {
		t.Sleep = DefaultSleep
	}
	if t.AdmissionPoll <= 0 {
		t.AdmissionPoll = DefaultAdmissionPoll
	}
	if t.MaxChildren <= 0 {
		t.MaxChildren = DefaultMaxChildren
	}
	return t
}

// State returns the supervisor's state.
func (s *Supervisor) State() *State { return s.state }

// Relay returns the signal relay, for callers that wait on the loop's
// goroutine outside Run.
func (s *Supervisor) Relay() *Relay { return s.relay }

// Run writes the pid file and iterates until a stop is requested or a fatal
// condition ends the loop. Workers still running are left to finish on
// their own.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.registry.Start(); err != nil {
		return err
	}
	defer s.registry.Shutdown()

	name, pid := s.state.ProcessName(), s.state.OwnPID()
	s.logger.Info(fmt.Sprintf("Daemon %s pid %d started.", name, pid),
		"mode", s.mode, "pooled", s.dispatch.Pooled(), "max_child_processes", s.state.Capacity())
	s.publish(events.DaemonStarted, events.Daemon{ProcessName: name, PID: pid})

	err := s.loop(ctx)

	reason := s.state.StopReason()
	if err != nil {
		reason = err.Error()
	}
	s.publish(events.DaemonStopping, events.Daemon{
		ProcessName: name,
		PID:         pid,
		Uptime:      s.registry.UptimeString(),
		Reason:      reason,
	})
	if n := s.state.Active(); n > 0 {
		s.logger.Info("workers still running, leaving them to finish", "active", n)
	}
	if err != nil {
		return err
	}
	s.logger.Info(fmt.Sprintf("Daemon %s pid %d is stopped.", name, pid), "uptime", s.registry.UptimeString())
	return nil
}

func (s *Supervisor) loop(ctx context.Context) error {
	for {
		s.relay.Drain(ctx)
		if s.state.StopRequested() {
			return nil
		}
		if err := s.checkMemory(); err != nil {
			return err
		}

		var err error
		switch s.mode {
		case ModeSnapshot:
			err = s.snapshotIteration(ctx)
		default:
			err = s.reactiveIteration(ctx)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Supervisor) checkMemory() error {
	used, err := s.registry.Watchdog().Check()
	if err == nil {
		return nil
	}
	s.logger.Error(fmt.Sprintf("Daemon %s pid %d used %d bytes on %d bytes allowed by memory limit",
		s.state.ProcessName(), s.state.OwnPID(), used, s.registry.Watchdog().Limit()))
	return err
}

// reactiveIteration dispatches until the extractor runs dry. The batch may
// be changed by the extractor between extractions.
func (s *Supervisor) reactiveIteration(ctx context.Context) error {
	seq := s.beginIteration(ctx)
	jobs := s.listPending(ctx, seq)
	empty := len(jobs) == 0

	dispatched := 0
	for {
		j, ok := s.extract(&jobs)
		if !ok {
			break
		}
		if err := s.runJob(ctx, seq, j); err != nil {
			if errors.Is(err, errStopped) {
				return s.abortIteration(ctx, seq, append([]job.Job{j}, jobs...), dispatched, err)
			}
			return s.abortIteration(ctx, seq, jobs, dispatched+1, err)
		}
		dispatched++
	}

	if empty {
		s.relay.Sleep(ctx, s.tun.Sleep)
	}
	s.relay.Drain(ctx)
	s.endIteration(seq, dispatched)
	return nil
}

// snapshotIteration dispatches the batch as fetched, then always sleeps.
func (s *Supervisor) snapshotIteration(ctx context.Context) error {
	seq := s.beginIteration(ctx)
	jobs := s.listPending(ctx, seq)

	for i, j := range jobs {
		if err := s.runJob(ctx, seq, j); err != nil {
			if errors.Is(err, errStopped) {
				return s.abortIteration(ctx, seq, jobs[i:], i, err)
			}
			return s.abortIteration(ctx, seq, jobs[i+1:], i+1, err)
		}
	}

	s.relay.Sleep(ctx, s.tun.Sleep)
	s.relay.Drain(ctx)
	s.endIteration(seq, len(jobs))
	return nil
}

func (s *Supervisor) beginIteration(ctx context.Context) int64 {
	seq := s.state.nextIteration()
	s.publish(events.IterationBefore, events.Iteration{Seq: seq, Mode: string(s.mode)})
	if s.renew != nil {
		if err := s.renew(ctx, s.tun.Connections); err != nil {
			s.logger.Error("renewing connections failed", "iteration", seq, "error", err)
		}
	}
	return seq
}

func (s *Supervisor) endIteration(seq int64, dispatched int) {
	s.publish(events.IterationAfter, events.Iteration{Seq: seq, Mode: string(s.mode), Jobs: dispatched})
}

func (s *Supervisor) listPending(ctx context.Context, seq int64) []job.Job {
	jobs, err := s.source.ListPending(ctx)
	if err != nil {
		s.logger.Error("listing pending jobs failed", "iteration", seq, "error", err)
		return nil
	}
	if len(jobs) > 0 {
		s.logger.Debug("pending jobs", "iteration", seq, "count", len(jobs))
	}
	return jobs
}

var errStopped = errors.New("stop requested")

// abortIteration hands back undispatched jobs. A stop is a clean end of
// the iteration; anything else is returned as fatal.
func (s *Supervisor) abortIteration(ctx context.Context, seq int64, rest []job.Job, dispatched int, err error) error {
	s.release(ctx, rest)
	s.endIteration(seq, dispatched)
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

func (s *Supervisor) release(ctx context.Context, rest []job.Job) {
	if len(rest) == 0 {
		return
	}
	r, ok := s.source.(job.Releaser)
	if !ok {
		s.logger.Info("stopping with undispatched jobs", "count", len(rest))
		return
	}
	if err := r.Release(context.WithoutCancel(ctx), rest); err != nil {
		s.logger.Error("releasing undispatched jobs failed", "count", len(rest), "error", err)
		return
	}
	s.logger.Info("released undispatched jobs", "count", len(rest))
}

// runJob admits and dispatches one job. It returns errStopped when a stop
// arrived before dispatch and ErrJobFailed when an in-process job fails.
func (s *Supervisor) runJob(ctx context.Context, seq int64, j job.Job) error {
	pooled := s.dispatch.Pooled()
	if pooled {
		if err := s.admit(ctx); err != nil {
			return err
		}
	}
	s.relay.Drain(ctx)
	if s.state.StopRequested() {
		return errStopped
	}

	run := events.JobRun{Iteration: seq, JobID: j.ID, Kind: j.Kind, Pooled: pooled}
	s.publish(events.JobBefore, run)

	pid, ok := s.dispatch.DispatchPID(ctx, j)

	run.OK = &ok
	run.WorkerPID = pid
	s.publish(events.JobAfter, run)

	switch {
	case pooled && ok:
		s.publish(events.WorkerSpawned, events.Worker{PID: pid, JobID: j.ID, Active: s.state.Active()})
	case pooled:
		s.logger.Error("can't fork worker, continuing", "job_id", j.ID)
		s.release(ctx, []job.Job{j})
	case !ok:
		s.logger.Error("job failed, halting daemon", "job_id", j.ID, "iteration", seq)
		return fmt.Errorf("%w: %s", ErrJobFailed, j.ID)
	}

	s.relay.Drain(ctx)
	return nil
}

// admit blocks while the pool is full, polling at the admission interval
// and applying signals so finished workers get reaped.
func (s *Supervisor) admit(ctx context.Context) error {
	if s.state.Active() < s.state.Capacity() {
		return nil
	}
	s.logger.Info("Reached maximum number of child processes. Waiting...",
		"active", s.state.Active(), "max_child_processes", s.state.Capacity())
	for s.state.Active() >= s.state.Capacity() {
		s.relay.Sleep(ctx, s.tun.AdmissionPoll)
		if s.state.StopRequested() {
			return errStopped
		}
	}
	s.logger.Info(fmt.Sprintf("Free workers found: %d worker(s). Delegate tasks.",
		s.state.Capacity()-s.state.Active()))
	return nil
}

// applyReload runs on the loop goroutine when SIGHUP is relayed.
func (s *Supervisor) applyReload() {
	if s.reload == nil {
		s.logger.Info("no configuration source to reload from")
		return
	}
	t, changed, err := s.reload()
	if err != nil {
		s.logger.Error("configuration reload failed, keeping current settings", "error", err)
		return
	}
	if !changed {
		s.logger.Info("configuration unchanged")
		return
	}

	t = withDefaults(t)
	s.tun = t
	s.state.setCapacity(t.MaxChildren)
	s.registry.Watchdog().SetLimit(t.MemoryLimit)
	if t.LogLevel != "" {
		log.SetLevel(t.LogLevel)
	}
	s.logger.Info("configuration reloaded",
		"sleep", t.Sleep,
		"admission_poll", t.AdmissionPoll,
		"max_child_processes", t.MaxChildren,
		"memory_limit", t.MemoryLimit,
		"connections", t.Connections,
	)
	s.publish(events.DaemonReloaded, events.Daemon{ProcessName: s.state.ProcessName(), PID: s.state.OwnPID()})
}

func (s *Supervisor) publish(kind string, data any) {
	if s.hooks != nil {
		s.hooks.Publish(kind, data)
	}
}
