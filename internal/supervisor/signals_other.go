//go:build !unix

package supervisor

import (
	"os"
	"os/signal"
)

// NotifySignals subscribes to interrupts; other job control signals do not
// exist on this platform.
func NotifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}

func actionFor(sig os.Signal) signalAction {
	if sig == os.Interrupt {
		return actionStop
	}
	return actionIgnore
}

func signalName(sig os.Signal) string {
	if sig == os.Interrupt {
		return "SIGINT"
	}
	return sig.String()
}
