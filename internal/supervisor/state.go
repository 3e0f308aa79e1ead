package supervisor

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/jobd/internal/job"
)

// ChildProcess is a spawned worker that has not been reaped yet.
type ChildProcess struct {
	PID          int       `json:"pid"`
	JobID        string    `json:"job_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// State is the daemon's process-wide state. The children map and the stop
// flag belong to the loop goroutine; the atomic mirrors exist for readers
// on other goroutines such as the status API.
type State struct {
	processName string
	ownPID      int
	startedAt   time.Time
	now         func() time.Time

	stopRequested bool
	stopReason    string
	children      map[int]ChildProcess

	active     atomic.Int64
	capacity   atomic.Int64
	stopping   atomic.Bool
	iterations atomic.Int64
}

// NewState creates the state for the daemon process identified by
// processName and ownPID.
func NewState(processName string, ownPID int, startedAt time.Time, capacity int) *State {
	s := &State{
		processName: processName,
		ownPID:      ownPID,
		startedAt:   startedAt,
		now:         time.Now,
		children:    make(map[int]ChildProcess),
	}
	s.capacity.Store(int64(capacity))
	return s
}

func (s *State) ProcessName() string { return s.processName }

func (s *State) OwnPID() int { return s.ownPID }

func (s *State) StartedAt() time.Time { return s.startedAt }

// Register records a started worker. It implements dispatch.ChildRegistry.
func (s *State) Register(pid int, j job.Job) {
	s.children[pid] = ChildProcess{PID: pid, JobID: j.ID, RegisteredAt: s.now()}
	s.active.Store(int64(len(s.children)))
}

// Remove forgets a reaped worker.
func (s *State) Remove(pid int) (ChildProcess, bool) {
	c, ok := s.children[pid]
	if ok {
		delete(s.children, pid)
		s.active.Store(int64(len(s.children)))
	}
	return c, ok
}

// Children returns the unreaped workers ordered by pid.
func (s *State) Children() []ChildProcess {
	out := make([]ChildProcess, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Active is safe to call from any goroutine.
func (s *State) Active() int { return int(s.active.Load()) }

// Capacity is the maximum number of concurrent workers.
func (s *State) Capacity() int { return int(s.capacity.Load()) }

func (s *State) setCapacity(n int) { s.capacity.Store(int64(n)) }

// RequestStop sets the stop flag. It never clears and only the first
// reason is kept. It reports whether this call set it.
func (s *State) RequestStop(reason string) bool {
	if s.stopRequested {
		return false
	}
	s.stopRequested = true
	s.stopReason = reason
	s.stopping.Store(true)
	return true
}

func (s *State) StopRequested() bool { return s.stopRequested }

func (s *State) StopReason() string { return s.stopReason }

// Stopping is StopRequested for readers on other goroutines.
func (s *State) Stopping() bool { return s.stopping.Load() }

func (s *State) nextIteration() int64 { return s.iterations.Add(1) }

// Iterations is the number of iterations started so far.
func (s *State) Iterations() int64 { return s.iterations.Load() }
