//go:build unix

package supervisor

import (
	"os"
	"os/signal"
	"syscall"
)

// signalBuffer bounds how many signals wait for the next poll point. The
// runtime drops signals on a full channel; SIGCHLD loss is harmless since
// one reap pass collects every exited child.
const signalBuffer = 32

// NotifySignals subscribes to the signals the relay understands.
func NotifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, signalBuffer)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGCHLD,
	)
	return ch, func() { signal.Stop(ch) }
}

func actionFor(sig os.Signal) signalAction {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		return actionStop
	case syscall.SIGCHLD:
		return actionReap
	case syscall.SIGUSR1:
		return actionReportUptime
	case syscall.SIGHUP:
		return actionReload
	default:
		return actionIgnore
	}
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return sig.String()
	}
}
