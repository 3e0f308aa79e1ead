package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/lifetime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type reaped struct {
	pid    int
	status ExitStatus
}

// fakeReaper hands out exits that tests mark with exit.
type fakeReaper struct {
	mu     sync.Mutex
	exited []reaped
}

func (f *fakeReaper) exit(pid, code int) {
	f.mu.Lock()
	f.exited = append(f.exited, reaped{pid: pid, status: ExitStatus{Code: code}})
	f.mu.Unlock()
}

func (f *fakeReaper) Reap() (int, ExitStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.exited) == 0 {
		return 0, ExitStatus{}, false, nil
	}
	r := f.exited[0]
	f.exited = f.exited[1:]
	return r.pid, r.status, true, nil
}

// fakeDispatcher registers fake pids with the state instead of spawning.
type fakeDispatcher struct {
	pooled     bool
	state      *State
	nextPID    int
	maxActive  int
	overflow   bool
	dispatched []string
	result     func(job.Job) bool
	refuse     func(job.Job) bool
	onSpawn    func(pid int, j job.Job)
}

func (d *fakeDispatcher) Pooled() bool { return d.pooled }

func (d *fakeDispatcher) DispatchPID(_ context.Context, j job.Job) (int, bool) {
	d.dispatched = append(d.dispatched, j.ID)
	if !d.pooled {
		if d.result == nil {
			return 0, true
		}
		return 0, d.result(j)
	}
	if d.refuse != nil && d.refuse(j) {
		return 0, false
	}
	if d.state.Active() >= d.state.Capacity() {
		d.overflow = true
	}
	d.nextPID++
	pid := 1000 + d.nextPID
	d.state.Register(pid, j)
	if a := d.state.Active(); a > d.maxActive {
		d.maxActive = a
	}
	if d.onSpawn != nil {
		d.onSpawn(pid, j)
	}
	return pid, true
}

type harness struct {
	sup      *Supervisor
	state    *State
	disp     *fakeDispatcher
	sigs     chan os.Signal
	reaper   *fakeReaper
	hub      *events.Hub
	registry *lifetime.Registry
	logs     *TestLogBuffer
}

type harnessConfig struct {
	pooled   bool
	mode     Mode
	tunables Tunables
	source   job.Source
	sampler  lifetime.MemorySampler
	memLimit uint64
	reporter Reporter
	reload   ReloadFunc
	pidDir   string
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	logger, logs := NewTestSlogger()

	regOpts := []lifetime.RegistryOption{lifetime.WithLogger(logger)}
	if hc.sampler != nil {
		regOpts = append(regOpts, lifetime.WithSampler(hc.sampler))
	}
	pidDir := hc.pidDir
	if pidDir == "" {
		pidDir = t.TempDir()
	}
	registry := lifetime.NewRegistry("jobd-test", pidDir, hc.memLimit, regOpts...)

	state := NewState(registry.ProcessName(), registry.PID(), registry.StartedAt(), hc.tunables.MaxChildren)
	disp := &fakeDispatcher{pooled: hc.pooled, state: state}
	sigs := make(chan os.Signal, 64)
	reaper := &fakeReaper{}
	hub := events.NewHub(256)

	sup := New(Options{
		Mode:       hc.mode,
		Tunables:   hc.tunables,
		Source:     hc.source,
		Dispatcher: disp,
		Registry:   registry,
		State:      state,
		Hooks:      hub,
		Signals:    sigs,
		Reaper:     reaper,
		Reporter:   hc.reporter,
		Reload:     hc.reload,
		Logger:     logger,
	})
	return &harness{
		sup:      sup,
		state:    state,
		disp:     disp,
		sigs:     sigs,
		reaper:   reaper,
		hub:      hub,
		registry: registry,
		logs:     logs,
	}
}

// run runs the supervisor and fails the test if it does not return in time.
func (h *harness) run(ctx context.Context, t *testing.T) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func eventTypes(h *events.Hub) []string {
	var out []string
	for _, ev := range h.SnapshotSince(0) {
		out = append(out, ev.Type)
	}
	return out
}
