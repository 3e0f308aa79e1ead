//go:build unix

package supervisor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// WaitReaper reaps any child of this process with wait4(-1, WNOHANG).
type WaitReaper struct{}

func (WaitReaper) Reap() (int, ExitStatus, bool, error) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return 0, ExitStatus{}, false, nil
		case err != nil:
			return 0, ExitStatus{}, false, fmt.Errorf("wait4: %w", err)
		case pid <= 0:
			return 0, ExitStatus{}, false, nil
		}

		var st ExitStatus
		switch {
		case ws.Exited():
			st.Code = ws.ExitStatus()
		case ws.Signaled():
			st.Signal = ws.Signal().String()
			st.Code = 128 + int(ws.Signal())
		default:
			// Stopped or continued: not an exit, keep looking.
			continue
		}
		return pid, st, true, nil
	}
}
