package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattjoyce/jobd/internal/protocol"
)

// WorkerCommand is the hidden CLI command a spawned worker runs.
const WorkerCommand = "_work"

// ProcessSpawner re-executes the daemon binary as a worker. The envelope is
// written to the worker's stdin through a pipe; the worker is released
// immediately so only the reaper ever collects its status.
type ProcessSpawner struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args default to {WorkerCommand}.
	Args []string
	// Env is appended to the daemon's environment.
	Env []string
	// Stdout and Stderr of the worker. Nil means /dev/null. They are files
	// because nothing ever waits on the worker to drain a copying pipe.
	Stdout *os.File
	Stderr *os.File
}

func (s *ProcessSpawner) Spawn(_ context.Context, env *protocol.Envelope) (int, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("%w: resolve executable: %v", ErrSpawn, err)
		}
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{WorkerCommand}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("%w: create stdin pipe: %v", ErrSpawn, err)
	}

	// Not CommandContext: workers outlive a cancelled daemon context.
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdin = r
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return 0, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	_ = r.Close()
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	werr := protocol.EncodeEnvelope(w, env)
	if cerr := w.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return pid, fmt.Errorf("%w: hand off job %s to pid %d: %v", ErrSpawn, env.Job.ID, pid, werr)
	}
	return pid, nil
}
