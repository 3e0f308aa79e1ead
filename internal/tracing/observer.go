package tracing

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/jobd/internal/events"
)

// Hub is the part of events.Hub the observer needs.
type Hub interface {
	On(kind string, fn events.Listener)
}

// Observer keeps the open spans between a *.before and its *.after event.
type Observer struct {
	tracer trace.Tracer
	logger *slog.Logger

	mu         sync.Mutex
	root       context.Context
	rootSpan   trace.Span
	iterations map[int64]spanEntry
	jobs       map[string]spanEntry
}

type spanEntry struct {
	ctx  context.Context
	span trace.Span
}

func NewObserver(tracer trace.Tracer, logger *slog.Logger) *Observer {
	return &Observer{
		tracer:     tracer,
		logger:     logger,
		root:       context.Background(),
		iterations: make(map[int64]spanEntry),
		jobs:       make(map[string]spanEntry),
	}
}

// Attach registers the observer for every event kind on hub.
func (o *Observer) Attach(hub Hub) {
	hub.On("*", o.Handle)
}

// Handle turns one event into span operations.
func (o *Observer) Handle(ev events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Type {
	case events.DaemonStarted:
		var d events.Daemon
		if !o.decode(ev, &d) {
			return
		}
		o.root, o.rootSpan = o.tracer.Start(context.Background(), "jobd.daemon",
			trace.WithTimestamp(ev.At),
			trace.WithAttributes(
				attribute.String("process.name", d.ProcessName),
				attribute.Int("process.pid", d.PID),
			))

	case events.DaemonStopping:
		var d events.Daemon
		if !o.decode(ev, &d) {
			return
		}
		o.endOpen(ev)
		if o.rootSpan != nil {
			o.rootSpan.SetAttributes(
				attribute.String("daemon.uptime", d.Uptime),
				attribute.String("daemon.stop_reason", d.Reason),
			)
			o.rootSpan.End(trace.WithTimestamp(ev.At))
			o.rootSpan = nil
			o.root = context.Background()
		}

	case events.DaemonUptime, events.DaemonReloaded:
		if o.rootSpan != nil {
			o.rootSpan.AddEvent(ev.Type, trace.WithTimestamp(ev.At))
		}

	case events.IterationBefore:
		var it events.Iteration
		if !o.decode(ev, &it) {
			return
		}
		ctx, span := o.tracer.Start(o.root, "jobd.iteration",
			trace.WithTimestamp(ev.At),
			trace.WithAttributes(
				attribute.Int64("iteration.seq", it.Seq),
				attribute.String("iteration.mode", it.Mode),
			))
		o.iterations[it.Seq] = spanEntry{ctx: ctx, span: span}

	case events.IterationAfter:
		var it events.Iteration
		if !o.decode(ev, &it) {
			return
		}
		if e, ok := o.iterations[it.Seq]; ok {
			e.span.SetAttributes(attribute.Int("iteration.jobs", it.Jobs))
			e.span.End(trace.WithTimestamp(ev.At))
			delete(o.iterations, it.Seq)
		}

	case events.JobBefore:
		var run events.JobRun
		if !o.decode(ev, &run) {
			return
		}
		parent := o.root
		if e, ok := o.iterations[run.Iteration]; ok {
			parent = e.ctx
		}
		ctx, span := o.tracer.Start(parent, "jobd.job",
			trace.WithTimestamp(ev.At),
			trace.WithAttributes(
				attribute.String("job.id", run.JobID),
				attribute.String("job.kind", run.Kind),
				attribute.Bool("job.pooled", run.Pooled),
			))
		o.jobs[run.JobID] = spanEntry{ctx: ctx, span: span}

	case events.JobAfter:
		var run events.JobRun
		if !o.decode(ev, &run) {
			return
		}
		e, ok := o.jobs[run.JobID]
		if !ok {
			return
		}
		if run.WorkerPID > 0 {
			e.span.SetAttributes(attribute.Int("worker.pid", run.WorkerPID))
		}
		if run.OK != nil {
			e.span.SetAttributes(attribute.Bool("job.ok", *run.OK))
			if !*run.OK {
				e.span.SetStatus(codes.Error, "job failed")
			}
		}
		e.span.End(trace.WithTimestamp(ev.At))
		delete(o.jobs, run.JobID)

	case events.WorkerSpawned, events.WorkerReaped:
		var w events.Worker
		if !o.decode(ev, &w) {
			return
		}
		if o.rootSpan == nil {
			return
		}
		o.rootSpan.AddEvent(ev.Type, trace.WithTimestamp(ev.At), trace.WithAttributes(
			attribute.Int("worker.pid", w.PID),
			attribute.String("job.id", w.JobID),
			attribute.Int("worker.exit_code", w.ExitCode),
			attribute.Int("workers.active", w.Active),
		))
	}
}

// endOpen closes spans whose *.after event never came, which happens when
// the loop stops mid-iteration.
func (o *Observer) endOpen(ev events.Event) {
	for id, e := range o.jobs {
		e.span.SetStatus(codes.Error, "daemon stopping")
		e.span.End(trace.WithTimestamp(ev.At))
		delete(o.jobs, id)
	}
	for seq, e := range o.iterations {
		e.span.End(trace.WithTimestamp(ev.At))
		delete(o.iterations, seq)
	}
}

func (o *Observer) decode(ev events.Event, v any) bool {
	if err := ev.Decode(v); err != nil {
		o.logger.Debug("undecodable event payload", "type", ev.Type, "error", err)
		return false
	}
	return true
}
