package config

import (
	"path/filepath"
	"time"
)

// Config represents the complete jobd configuration.
type Config struct {
	Service     ServiceConfig               `yaml:"service" json:"service"`
	Daemon      DaemonConfig                `yaml:"daemon" json:"daemon"`
	Connections map[string]ConnectionConfig `yaml:"connections" json:"connections"`
	Source      SourceConfig                `yaml:"source" json:"source"`
	Executor    ExecutorConfig              `yaml:"executor" json:"executor"`
	API         APIConfig                   `yaml:"api" json:"api"`
	Tracing     TracingConfig               `yaml:"tracing" json:"tracing"`

	// Path is the file the configuration was read from. Empty when only
	// defaults are in effect.
	Path string `yaml:"-" json:"path,omitempty"`
	// Fingerprint is the BLAKE3 hash of the file contents.
	Fingerprint string `yaml:"-" json:"fingerprint,omitempty"`
}

// ServiceConfig defines process identity and logging.
type ServiceConfig struct {
	Name         string `yaml:"name" json:"name"`
	LogLevel     string `yaml:"log_level" json:"log_level"`
	LogFormat    string `yaml:"log_format" json:"log_format"`
	PIDDir       string `yaml:"pid_dir" json:"pid_dir"`
	LogDir       string `yaml:"log_dir" json:"log_dir"`
	LogMaxSizeMB int    `yaml:"log_max_size_mb" json:"log_max_size_mb"`
	LogMaxFiles  int    `yaml:"log_max_files" json:"log_max_files"`
}

// DaemonConfig defines the supervisor loop.
type DaemonConfig struct {
	Demonize          bool          `yaml:"demonize" json:"demonize"`
	IsMultiInstance   bool          `yaml:"is_multi_instance" json:"is_multi_instance"`
	MaxChildProcesses int           `yaml:"max_child_processes" json:"max_child_processes"`
	Mode              string        `yaml:"mode" json:"mode"`
	Sleep             time.Duration `yaml:"sleep" json:"sleep"`
	AdmissionPoll     time.Duration `yaml:"admission_poll" json:"admission_poll"`
	MemoryLimit       uint64        `yaml:"memory_limit" json:"memory_limit"`
	BatchSize         int           `yaml:"batch_size" json:"batch_size"`
	Connections       []string      `yaml:"connections" json:"connections,omitempty"`
}

// ConnectionConfig defines one named external connection.
type ConnectionConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

// SourceConfig selects where pending jobs come from.
type SourceConfig struct {
	Type       string `yaml:"type" json:"type"`
	Connection string `yaml:"connection" json:"connection,omitempty"`
	SpoolDir   string `yaml:"spool_dir" json:"spool_dir,omitempty"`
}

// ExecutorConfig defines the handler command run for every job.
type ExecutorConfig struct {
	Command []string          `yaml:"command" json:"command"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
}

// APIConfig defines the optional status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
	// Token guards every route except /healthz. Without it those routes
	// answer 401.
	Token string `yaml:"token" json:"-"`
}

// TracingConfig defines the optional span exporter. Output is "stdout",
// "stderr" or a file path.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Output  string `yaml:"output" json:"output"`
}

const (
	ModeReactive = "reactive"
	ModeSnapshot = "snapshot"

	SourceSQLite = "sqlite"
	SourceSpool  = "spool"

	DriverSQLite = "sqlite"

	DefaultConnection = "db"
)

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "jobd",
			LogLevel:     "info",
			LogFormat:    "json",
			PIDDir:       "./runtime/daemons/pids",
			LogDir:       "./runtime/daemons/logs",
			LogMaxSizeMB: 10,
			LogMaxFiles:  10,
		},
		Daemon: DaemonConfig{
			MaxChildProcesses: 10,
			Mode:              ModeReactive,
			Sleep:             5 * time.Second,
			AdmissionPoll:     time.Second,
			MemoryLimit:       268435456,
			BatchSize:         100,
		},
		Connections: map[string]ConnectionConfig{
			DefaultConnection: {Driver: DriverSQLite, Path: "./runtime/jobd.db"},
		},
		Source: SourceConfig{
			Type:       SourceSQLite,
			Connection: DefaultConnection,
			SpoolDir:   "./runtime/spool",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "localhost:8081",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Output:  "stderr",
		},
	}
}

// PIDFile returns {pid_dir}/{name}.
func (c *Config) PIDFile() string { return filepath.Join(c.Service.PIDDir, c.Service.Name) }

// LogFile returns {log_dir}/{name}.log.
func (c *Config) LogFile() string { return filepath.Join(c.Service.LogDir, c.Service.Name+".log") }
