package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/jobd/internal/job"
)

func TestStateChildren(t *testing.T) {
	s := NewState("jobd", 10, time.Now(), 3)
	s.Register(30, job.Job{ID: "c"})
	s.Register(20, job.Job{ID: "b"})

	assert.Equal(t, 2, s.Active())
	children := s.Children()
	assert.Equal(t, 20, children[0].PID)
	assert.Equal(t, "c", children[1].JobID)

	c, ok := s.Remove(20)
	assert.True(t, ok)
	assert.Equal(t, "b", c.JobID)
	_, ok = s.Remove(20)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Active())
}

func TestStateStopOnlyOnce(t *testing.T) {
	s := NewState("jobd", 10, time.Now(), 3)
	assert.False(t, s.StopRequested())
	assert.True(t, s.RequestStop("SIGINT"))
	assert.False(t, s.RequestStop("SIGTERM"))
	assert.True(t, s.StopRequested())
	assert.Equal(t, "SIGINT", s.StopReason())
}

func TestStateIdentity(t *testing.T) {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewState("jobd", 42, started, 5)
	assert.Equal(t, "jobd", s.ProcessName())
	assert.Equal(t, 42, s.OwnPID())
	assert.Equal(t, started, s.StartedAt())
	assert.Equal(t, 5, s.Capacity())
}

func TestExitStatusOK(t *testing.T) {
	assert.True(t, ExitStatus{}.OK())
	assert.False(t, ExitStatus{Code: 1}.OK())
	assert.False(t, ExitStatus{Code: 143, Signal: "terminated"}.OK())
}
