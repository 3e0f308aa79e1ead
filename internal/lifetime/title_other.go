//go:build !linux

package lifetime

import "errors"

// SetProcessTitle is only supported on Linux.
func SetProcessTitle(string) error {
	return errors.New("process title not supported on this platform")
}
