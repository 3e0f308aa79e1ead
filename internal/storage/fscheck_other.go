//go:build !darwin && !linux

package storage

// Detection is not implemented here; the path is treated as local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
