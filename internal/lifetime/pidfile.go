package lifetime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrPIDFile is returned when the pid file cannot be written.
var ErrPIDFile = errors.New("can't create pid file")

// PIDFile records the identity of the running daemon at {dir}/{name}.
type PIDFile struct {
	path string
	pid  int
}

// NewPIDFile returns the pid file for name inside dir, owned by pid.
func NewPIDFile(dir, name string, pid int) *PIDFile {
	return &PIDFile{path: filepath.Join(dir, name), pid: pid}
}

func (p *PIDFile) Path() string { return p.path }

// Write creates the containing directory if needed and stores the pid,
// replacing whatever an earlier instance left behind.
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("%w %s: create directory: %v", ErrPIDFile, p.path, err)
	}

	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrPIDFile, p.path, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", p.pid); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w %s: write pid: %v", ErrPIDFile, p.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w %s: sync: %v", ErrPIDFile, p.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w %s: close: %v", ErrPIDFile, p.path, err)
	}
	return nil
}

// Read returns the pid stored in the file.
func (p *PIDFile) Read() (int, error) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", p.path, err)
	}
	return pid, nil
}

// Remove deletes the file only if it still holds our pid. A newer instance
// that overwrote the file keeps it. It returns os.ErrNotExist (wrapped) when
// the file is already gone so the caller can log it.
func (p *PIDFile) Remove() (bool, error) {
	stored, err := p.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("can't unlink pid file %s: %w", p.path, err)
		}
		return false, err
	}
	if stored != p.pid {
		return false, nil
	}
	if err := os.Remove(p.path); err != nil {
		return false, fmt.Errorf("unlink pid file %s: %w", p.path, err)
	}
	return true, nil
}
