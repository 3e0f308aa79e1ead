//go:build unix

package supervisor

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionForSignals(t *testing.T) {
	cases := []struct {
		sig  os.Signal
		want signalAction
		name string
	}{
		{syscall.SIGINT, actionStop, "SIGINT"},
		{syscall.SIGTERM, actionStop, "SIGTERM"},
		{syscall.SIGCHLD, actionReap, syscall.SIGCHLD.String()},
		{syscall.SIGUSR1, actionReportUptime, syscall.SIGUSR1.String()},
		{syscall.SIGHUP, actionReload, syscall.SIGHUP.String()},
		{syscall.SIGUSR2, actionIgnore, syscall.SIGUSR2.String()},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, actionFor(tc.sig), tc.sig.String())
		assert.Equal(t, tc.name, signalName(tc.sig))
	}
}
