package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable consulted by Discover.
const EnvConfig = "JOBD_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Discover finds the configuration file by checking standard locations.
// Priority order: explicit path (--config), $JOBD_CONFIG, ./jobd.yaml,
// ~/.config/jobd/jobd.yaml, /etc/jobd/jobd.yaml.
// It returns "" when nothing was requested and no file exists, in which case
// the defaults apply.
func Discover(explicit string) (string, error) {
	return discover(explicit, os.Getenv(EnvConfig), defaultCandidates())
}

func defaultCandidates() []string {
	candidates := []string{"jobd.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "jobd", "jobd.yaml"))
	}
	return append(candidates, "/etc/jobd/jobd.yaml")
}

func discover(explicit, fromEnv string, candidates []string) (string, error) {
	for _, requested := range []string{explicit, fromEnv} {
		if requested == "" {
			continue
		}
		if !fileExists(requested) {
			return "", fmt.Errorf("config file not found: %s", requested)
		}
		return filepath.Abs(requested)
	}
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return filepath.Abs(candidate)
		}
	}
	return "", nil
}

// Load reads and parses configuration from a file. An empty path yields the
// defaults. Callers apply command-line overrides and then call Validate.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return Defaults(), nil
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}
	return Parse(absPath, data)
}

// Parse interpolates ${VAR} references, checks the document against the
// schema and decodes it over the defaults.
func Parse(filename string, data []byte) (*Config, error) {
	expanded := []byte(interpolateEnv(string(data)))
	if err := validateSchema(filename, expanded); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, err)
	}
	cfg.Path = filename
	cfg.Fingerprint = Fingerprint(expanded)
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Overrides are command-line values that take precedence over the file.
// Nil pointers leave the file value in place.
type Overrides struct {
	Demonize          *bool
	IsMultiInstance   *bool
	MaxChildProcesses *int
	Connections       []string
	Verbose           bool
}

// Apply writes the overrides into cfg.
func (o Overrides) Apply(cfg *Config) {
	if o.Demonize != nil {
		cfg.Daemon.Demonize = *o.Demonize
	}
	if o.IsMultiInstance != nil {
		cfg.Daemon.IsMultiInstance = *o.IsMultiInstance
	}
	if o.MaxChildProcesses != nil {
		cfg.Daemon.MaxChildProcesses = *o.MaxChildProcesses
	}
	if len(o.Connections) > 0 {
		cfg.Daemon.Connections = append([]string(nil), o.Connections...)
	}
	if o.Verbose {
		cfg.Service.LogLevel = "debug"
	}
}

// Validate checks the effective configuration, after overrides. The schema
// covers the file; this covers what flags may have changed and the
// cross-references between sections.
func (c *Config) Validate() error {
	var errs []error

	if c.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if c.Daemon.MaxChildProcesses <= 0 {
		errs = append(errs, fmt.Errorf("daemon.max_child_processes must be positive (got %d)", c.Daemon.MaxChildProcesses))
	}
	if c.Daemon.Mode != ModeReactive && c.Daemon.Mode != ModeSnapshot {
		errs = append(errs, fmt.Errorf("daemon.mode must be one of: reactive, snapshot (got %q)", c.Daemon.Mode))
	}
	if c.Daemon.Sleep <= 0 {
		errs = append(errs, errors.New("daemon.sleep must be positive"))
	}
	if c.Daemon.AdmissionPoll <= 0 {
		errs = append(errs, errors.New("daemon.admission_poll must be positive"))
	}
	if c.Daemon.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("daemon.batch_size must be positive (got %d)", c.Daemon.BatchSize))
	}

	for name, conn := range c.Connections {
		if conn.Driver != DriverSQLite {
			errs = append(errs, fmt.Errorf("connections.%s.driver %q is not supported", name, conn.Driver))
		}
	}

	switch c.Source.Type {
	case SourceSQLite:
		if _, ok := c.Connections[c.Source.Connection]; !ok {
			errs = append(errs, fmt.Errorf("source.connection %q is not defined under connections", c.Source.Connection))
		}
	case SourceSpool:
		if c.Source.SpoolDir == "" {
			errs = append(errs, errors.New("source.spool_dir is required for a spool source"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.type must be one of: sqlite, spool (got %q)", c.Source.Type))
	}

	if len(c.Executor.Command) == 0 || c.Executor.Command[0] == "" {
		errs = append(errs, errors.New("executor.command is required"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the api is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
