package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"sync"
)

// ReloadResult describes one Reload call.
type ReloadResult struct {
	Config *Config
	// Changed is false when the file fingerprint matched the running one.
	Changed bool
	// Ignored lists settings that differ in the file but only take effect
	// on restart.
	Ignored []string
}

// Reloader re-reads the file the running configuration came from. Only the
// loop tunables and the log level are taken from the new file; identity
// settings keep their running values.
type Reloader struct {
	mu        sync.Mutex
	current   *Config
	overrides Overrides
}

func NewReloader(current *Config, overrides Overrides) *Reloader {
	return &Reloader{current: current, overrides: overrides}
}

// Current returns the configuration in effect.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reload re-reads and validates the file. On error the running configuration
// is kept.
func (r *Reloader) Reload() (ReloadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current
	if cur.Path == "" {
		return ReloadResult{Config: cur}, nil
	}
	data, err := os.ReadFile(cur.Path)
	if err != nil {
		return ReloadResult{Config: cur}, fmt.Errorf("failed to read config %s: %w", cur.Path, err)
	}
	next, err := Parse(cur.Path, data)
	if err != nil {
		return ReloadResult{Config: cur}, err
	}
	if next.Fingerprint == cur.Fingerprint {
		return ReloadResult{Config: cur}, nil
	}
	r.overrides.Apply(next)
	if err := next.Validate(); err != nil {
		return ReloadResult{Config: cur}, err
	}

	merged, ignored := mergeReloadable(cur, next)
	r.current = merged
	return ReloadResult{Config: merged, Changed: true, Ignored: ignored}, nil
}

// mergeReloadable copies the reloadable settings of next onto a copy of cur
// and reports which other settings differ.
func mergeReloadable(cur, next *Config) (*Config, []string) {
	merged := *cur
	merged.Daemon.Sleep = next.Daemon.Sleep
	merged.Daemon.AdmissionPoll = next.Daemon.AdmissionPoll
	merged.Daemon.MaxChildProcesses = next.Daemon.MaxChildProcesses
	merged.Daemon.MemoryLimit = next.Daemon.MemoryLimit
	merged.Daemon.Connections = slices.Clone(next.Daemon.Connections)
	merged.Service.LogLevel = next.Service.LogLevel
	merged.Fingerprint = next.Fingerprint

	var ignored []string
	if !reflect.DeepEqual(merged.Service, next.Service) {
		ignored = append(ignored, "service")
	}
	if !reflect.DeepEqual(merged.Daemon, next.Daemon) {
		ignored = append(ignored, "daemon")
	}
	for _, section := range []struct {
		name      string
		cur, next any
	}{
		{"connections", cur.Connections, next.Connections},
		{"source", cur.Source, next.Source},
		{"executor", cur.Executor, next.Executor},
		{"api", cur.API, next.API},
		{"tracing", cur.Tracing, next.Tracing},
	} {
		if !reflect.DeepEqual(section.cur, section.next) {
			ignored = append(ignored, section.name)
		}
	}
	return &merged, ignored
}
