//go:build unix

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/job"
	"github.com/mattjoyce/jobd/internal/job/mocks"
	"github.com/mattjoyce/jobd/internal/lifetime"
)

func jobs(ids ...string) []job.Job {
	out := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, job.Job{ID: id})
	}
	return out
}

// finishWorkers marks each spawned worker exited after a short delay and
// raises SIGCHLD for it, like a real child would.
func finishWorkers(h *harness, n int) (chan int, chan struct{}) {
	spawned := make(chan int, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			pid := <-spawned
			time.Sleep(5 * time.Millisecond)
			h.reaper.exit(pid, 0)
			h.sigs <- syscall.SIGCHLD
		}
	}()
	return spawned, done
}

func TestPoolNeverExceedsCapacity(t *testing.T) {
	const n, m = 7, 3

	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	h := newHarness(t, harnessConfig{
		pooled:   true,
		source:   source,
		tunables: Tunables{MaxChildren: m, AdmissionPoll: 2 * time.Millisecond, Sleep: time.Hour},
	})
	spawned, done := finishWorkers(h, n)
	h.disp.onSpawn = func(pid int, _ job.Job) { spawned <- pid }

	gomock.InOrder(
		source.EXPECT().ListPending(gomock.Any()).Return(jobs("1", "2", "3", "4", "5", "6", "7"), nil),
		source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
			<-done
			h.sigs <- syscall.SIGTERM
			return nil, nil
		}),
	)

	require.NoError(t, h.run(context.Background(), t))
	assert.False(t, h.disp.overflow, "dispatched into a full pool")
	assert.LessOrEqual(t, h.disp.maxActive, m)
	assert.Equal(t, m, h.disp.maxActive)
	assert.Len(t, h.disp.dispatched, n)
	assert.Equal(t, 0, h.state.Active())
	assert.Contains(t, h.logs.String(), "Reached maximum number of child processes. Waiting...")
}

func TestScenarioThirdJobWaitsForReap(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	h := newHarness(t, harnessConfig{
		pooled:   true,
		source:   source,
		tunables: Tunables{MaxChildren: 2, AdmissionPoll: 2 * time.Millisecond, Sleep: time.Hour},
	})
	spawned, done := finishWorkers(h, 3)
	h.disp.onSpawn = func(pid int, _ job.Job) { spawned <- pid }

	gomock.InOrder(
		source.EXPECT().ListPending(gomock.Any()).Return(jobs("A", "B", "C"), nil),
		source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
			<-done
			h.sigs <- syscall.SIGTERM
			return nil, nil
		}),
	)

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, []string{"A", "B", "C"}, h.disp.dispatched)
	assert.Empty(t, h.state.Children())

	var spawnedAt, reapedAt []int
	for i, typ := range eventTypes(h.hub) {
		switch typ {
		case events.WorkerSpawned:
			spawnedAt = append(spawnedAt, i)
		case events.WorkerReaped:
			reapedAt = append(reapedAt, i)
		}
	}
	require.Len(t, spawnedAt, 3)
	require.Len(t, reapedAt, 3)
	assert.Greater(t, spawnedAt[2], reapedAt[0], "C is admitted only after a worker is reaped")
}

func TestStopDuringSleepExitsCleanly(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	h := newHarness(t, harnessConfig{source: source, tunables: Tunables{Sleep: time.Hour}})
	source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.sigs <- syscall.SIGINT
		}()
		return nil, nil
	}).Times(1)

	start := time.Now()
	require.NoError(t, h.run(context.Background(), t))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(1), h.state.Iterations())
	assert.Equal(t, "SIGINT", h.state.StopReason())
	assert.NoFileExists(t, h.registry.PIDFile().Path())
	assert.Contains(t, h.logs.String(), "is stopped.")
}

func TestMemoryBreachEndsLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl) // no calls expected

	h := newHarness(t, harnessConfig{
		source:   source,
		memLimit: 100,
		sampler:  func() uint64 { return 101 },
	})

	err := h.run(context.Background(), t)
	require.ErrorIs(t, err, ErrMemoryLimit)
	assert.Contains(t, h.logs.String(), "used 101 bytes on 100 bytes allowed by memory limit")
	assert.NoFileExists(t, h.registry.PIDFile().Path())
	assert.Equal(t, int64(0), h.state.Iterations())
}

func TestInProcessFailureHaltsDaemon(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)
	source.EXPECT().ListPending(gomock.Any()).Return(jobs("A", "B", "C"), nil).Times(1)

	h := newHarness(t, harnessConfig{source: source})
	h.disp.result = func(j job.Job) bool { return j.ID != "A" }

	err := h.run(context.Background(), t)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, []string{"A"}, h.disp.dispatched)
	assert.Contains(t, h.logs.String(), "stopping with undispatched jobs")
}

func TestEmptyBatchSleepsAndRepolls(t *testing.T) {
	for _, mode := range []Mode{ModeReactive, ModeSnapshot} {
		t.Run(string(mode), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			source := mocks.NewMockSource(ctrl)

			const sleep = 20 * time.Millisecond
			h := newHarness(t, harnessConfig{mode: mode, source: source, tunables: Tunables{Sleep: sleep}})

			var calls []time.Time
			source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
				calls = append(calls, time.Now())
				if len(calls) == 3 {
					h.sigs <- syscall.SIGTERM
				}
				return nil, nil
			}).Times(3)

			require.NoError(t, h.run(context.Background(), t))
			require.Len(t, calls, 3)
			assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), sleep)
			assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), sleep)
			assert.Empty(t, h.disp.dispatched)
		})
	}
}

func TestReactiveDoesNotSleepAfterWork(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	h := newHarness(t, harnessConfig{source: source, tunables: Tunables{Sleep: time.Hour}})
	gomock.InOrder(
		source.EXPECT().ListPending(gomock.Any()).Return(jobs("A"), nil),
		source.EXPECT().ListPending(gomock.Any()).Return(jobs("B"), nil),
		source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
			h.sigs <- syscall.SIGTERM
			return nil, nil
		}),
	)

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, []string{"A", "B"}, h.disp.dispatched)
}

func TestReactiveExtractorSeesLateJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	h := newHarness(t, harnessConfig{source: source, tunables: Tunables{Sleep: time.Hour}})
	appended := false
	h.sup.extract = func(batch *[]job.Job) (job.Job, bool) {
		if !appended {
			*batch = append(*batch, job.Job{ID: "late"})
			appended = true
		}
		return job.ShiftFront(batch)
	}
	gomock.InOrder(
		source.EXPECT().ListPending(gomock.Any()).Return(jobs("A"), nil),
		source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
			h.sigs <- syscall.SIGTERM
			return nil, nil
		}),
	)

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, []string{"A", "late"}, h.disp.dispatched)
}

func TestSnapshotSleepsAfterBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	const sleep = 30 * time.Millisecond
	h := newHarness(t, harnessConfig{mode: ModeSnapshot, source: source, tunables: Tunables{Sleep: sleep}})

	var first time.Time
	gomock.InOrder(
		source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
			first = time.Now()
			return jobs("A", "B"), nil
		}),
		source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
			assert.GreaterOrEqual(t, time.Since(first), sleep)
			h.sigs <- syscall.SIGTERM
			return nil, nil
		}),
	)

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, []string{"A", "B"}, h.disp.dispatched)
}

type releasingSource struct {
	mu       sync.Mutex
	batch    []job.Job
	released []job.Job
}

func (s *releasingSource) ListPending(context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batch
	s.batch = nil
	return b, nil
}

func (s *releasingSource) Release(_ context.Context, jobs []job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, jobs...)
	return nil
}

func TestStopDuringAdmissionWaitSkipsPendingJob(t *testing.T) {
	source := &releasingSource{batch: jobs("A", "B", "C")}
	h := newHarness(t, harnessConfig{
		pooled:   true,
		source:   source,
		tunables: Tunables{MaxChildren: 1, AdmissionPoll: 5 * time.Millisecond, Sleep: time.Hour},
	})
	// Worker A never exits; the stop arrives while B waits for a slot.
	h.disp.onSpawn = func(int, job.Job) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.sigs <- syscall.SIGTERM
		}()
	}

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, []string{"A"}, h.disp.dispatched)
	assert.Equal(t, jobs("B", "C"), source.released)
	assert.Equal(t, 1, h.state.Active(), "running workers are left alone")
	assert.Contains(t, h.logs.String(), "leaving them to finish")
}

func TestInProcessFailureReleasesOnlyUndispatched(t *testing.T) {
	source := &releasingSource{batch: jobs("A", "B", "C")}
	h := newHarness(t, harnessConfig{source: source})
	h.disp.result = func(j job.Job) bool { return j.ID != "B" }

	err := h.run(context.Background(), t)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, []string{"A", "B"}, h.disp.dispatched)
	assert.Equal(t, jobs("C"), source.released, "the failed job keeps its recorded outcome")
}

func TestSpawnFailureReleasesJobAndContinues(t *testing.T) {
	source := &releasingSource{batch: jobs("A", "B")}
	h := newHarness(t, harnessConfig{pooled: true, source: source, tunables: Tunables{Sleep: time.Hour}})
	h.disp.refuse = func(j job.Job) bool { return j.ID == "A" }
	h.disp.onSpawn = func(int, job.Job) { h.sigs <- syscall.SIGTERM }

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, []string{"A", "B"}, h.disp.dispatched)
	assert.Equal(t, jobs("A"), source.released)
	assert.Contains(t, h.logs.String(), "can't fork worker, continuing")
}

func TestContextCancelStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)
	source.EXPECT().ListPending(gomock.Any()).Return(nil, nil).AnyTimes()

	h := newHarness(t, harnessConfig{source: source, tunables: Tunables{Sleep: time.Hour}})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, h.run(ctx, t))
	assert.Equal(t, "context cancelled", h.state.StopReason())
}

func TestHooksOrderInProcess(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	h := newHarness(t, harnessConfig{source: source, tunables: Tunables{Sleep: time.Hour}})
	gomock.InOrder(
		source.EXPECT().ListPending(gomock.Any()).Return(jobs("A"), nil),
		source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
			h.sigs <- syscall.SIGTERM
			return nil, nil
		}),
	)

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, []string{
		events.DaemonStarted,
		events.IterationBefore,
		events.JobBefore,
		events.JobAfter,
		events.IterationAfter,
		events.IterationBefore,
		events.IterationAfter,
		events.DaemonStopping,
	}, eventTypes(h.hub))
}

func TestRenewConnectionsEachIteration(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	h := newHarness(t, harnessConfig{source: source, tunables: Tunables{Sleep: time.Millisecond, Connections: []string{"db", "reporting"}}})
	var renewed [][]string
	h.sup.renew = func(_ context.Context, names []string) error {
		renewed = append(renewed, names)
		return nil
	}
	calls := 0
	source.EXPECT().ListPending(gomock.Any()).DoAndReturn(func(context.Context) ([]job.Job, error) {
		calls++
		if calls == 2 {
			h.sigs <- syscall.SIGTERM
		}
		return nil, nil
	}).Times(2)

	require.NoError(t, h.run(context.Background(), t))
	assert.Equal(t, [][]string{{"db", "reporting"}, {"db", "reporting"}}, renewed)
}

func TestPIDFileWriteFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl) // no calls expected

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	h := newHarness(t, harnessConfig{source: source, pidDir: filepath.Join(blocker, "pids")})
	err := h.run(context.Background(), t)
	require.ErrorIs(t, err, lifetime.ErrPIDFile)
	assert.Equal(t, int64(0), h.state.Iterations())
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, harnessConfig{pooled: true, mode: ModeSnapshot, tunables: Tunables{MaxChildren: 4}})
	h.state.Register(1, job.Job{ID: "a"})

	st := h.sup.Status()
	assert.Equal(t, "jobd-test", st.ProcessName)
	assert.Equal(t, ModeSnapshot, st.Mode)
	assert.True(t, st.Pooled)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 4, st.Capacity)
	assert.False(t, st.Stopping)
}
