//go:build linux

package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/job"
)

// waitExited blocks until pid has exited without collecting its status.
func waitExited(t *testing.T, pid int) {
	t.Helper()
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		require.NoError(t, err, "waitid %d", pid)
		return
	}
}

func TestWaitReaperCollectsExitedChildrenInOnePass(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	logger, _ := NewTestSlogger()
	state := NewState("jobd-test", os.Getpid(), time.Now(), 8)
	hub := events.NewHub(64)

	want := map[int]ExitStatus{}
	scripts := []struct {
		script string
		status ExitStatus
	}{
		{"exit 0", ExitStatus{Code: 0}},
		{"exit 0", ExitStatus{Code: 0}},
		{"exit 3", ExitStatus{Code: 3}},
		{"kill -9 $$", ExitStatus{Code: 128 + 9, Signal: unix.SIGKILL.String()}},
	}
	for i, s := range scripts {
		cmd := exec.Command(sh, "-c", s.script)
		require.NoError(t, cmd.Start())
		pid := cmd.Process.Pid
		require.NoError(t, cmd.Process.Release())
		state.Register(pid, job.Job{ID: fmt.Sprintf("job-%d", i)})
		want[pid] = s.status
	}
	// Every child is a zombie before the single reap pass.
	for pid := range want {
		waitExited(t, pid)
	}

	relay := &Relay{state: state, reaper: WaitReaper{}, hooks: hub, logger: logger}
	assert.Equal(t, len(want), relay.Reap())
	assert.Equal(t, 0, state.Active())

	seen := 0
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type != events.WorkerReaped {
			continue
		}
		var w events.Worker
		require.NoError(t, json.Unmarshal(ev.Data, &w))
		st, ok := want[w.PID]
		require.True(t, ok, "unexpected pid %d", w.PID)
		assert.Equal(t, st.Code, w.ExitCode, "pid %d", w.PID)
		assert.Equal(t, st.Signal, w.Signal, "pid %d", w.PID)
		seen++
	}
	assert.Equal(t, len(want), seen)

	_, _, ok, err := WaitReaper{}.Reap()
	require.NoError(t, err)
	assert.False(t, ok, "nothing left to reap")
}
