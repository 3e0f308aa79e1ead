//go:build unix

package lifetime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// DetachedEnv marks a process that was started by Detach.
const DetachedEnv = "JOBD_DETACHED"

// ErrDetach is returned when the background process cannot be started.
var ErrDetach = errors.New("can't fork to background")

// Detached reports whether this process is the background copy.
func Detached() bool { return os.Getenv(DetachedEnv) == "1" }

// Detach re-executes the current binary with args in a new session, stdio
// on /dev/null. The caller is expected to exit right after.
func Detach(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("%w: resolve executable: %v", ErrDetach, err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrDetach, os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), DetachedEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDetach, err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
