//go:build linux

package lifetime

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetProcessTitle renames the main thread, which is what ps and top show.
// The kernel truncates names to 15 bytes.
func SetProcessTitle(name string) error {
	if len(name) > 15 {
		name = name[:15]
	}
	// /proc/self resolves to the thread group leader whichever thread runs
	// this goroutine.
	if err := os.WriteFile("/proc/self/comm", []byte(name), 0); err == nil {
		return nil
	}

	// prctl names the calling thread only.
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return fmt.Errorf("process title: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_NAME: %w", err)
	}
	return nil
}
