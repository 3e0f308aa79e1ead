package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/mattjoyce/jobd/internal/config"
	"github.com/mattjoyce/jobd/internal/console"
	"github.com/mattjoyce/jobd/internal/dispatch"
	"github.com/mattjoyce/jobd/internal/lifetime"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

// exitError carries a process exit status through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var errUnsupported = errors.New("unsupported action")

// Keep main on the main thread so thread-scoped calls such as the process
// title land on the thread ps shows.
func init() { runtime.LockOSThread() }

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return ee.code
	}
	if !lifetime.Detached() {
		console.NewWriter(os.Stderr).Message("error", err.Error())
	}
	if ee != nil {
		return ee.code
	}
	return 1
}

// flags holds the command-line values shared by every action.
type flags struct {
	configPath        string
	demonize          bool
	isMultiInstance   bool
	maxChildProcesses int
	connections       []string
	verbose           bool
}

// overrides returns only the flags the user actually set, so the file keeps
// its value for the rest.
func (f *flags) overrides(cmd *cobra.Command) config.Overrides {
	o := config.Overrides{Connections: f.connections, Verbose: f.verbose}
	if cmd.Flags().Changed("demonize") {
		o.Demonize = &f.demonize
	}
	if cmd.Flags().Changed("isMultiInstance") {
		o.IsMultiInstance = &f.isMultiInstance
	}
	if cmd.Flags().Changed("maxChildProcesses") {
		o.MaxChildProcesses = &f.maxChildProcesses
	}
	return o
}

// loadConfig discovers, loads and validates the configuration with the
// command-line overrides applied.
func (f *flags) loadConfig(cmd *cobra.Command) (*config.Config, config.Overrides, error) {
	path, err := config.Discover(f.configPath)
	if err != nil {
		return nil, config.Overrides{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, config.Overrides{}, err
	}
	o := f.overrides(cmd)
	o.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, config.Overrides{}, err
	}
	return cfg, o, nil
}

// register adds the shared flags to cmd and its subcommands.
func (f *flags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to config file (default: $JOBD_CONFIG, ./jobd.yaml, ~/.config/jobd/jobd.yaml, /etc/jobd/jobd.yaml)")
	pf.BoolVar(&f.demonize, "demonize", false, "detach and run in the background")
	pf.BoolVar(&f.isMultiInstance, "isMultiInstance", false, "run each job in a pooled worker process")
	pf.IntVar(&f.maxChildProcesses, "maxChildProcesses", 0, "maximum number of concurrent worker processes")
	pf.StringSliceVar(&f.connections, "connections", nil, "connections to renew before each iteration and in each worker")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "jobd <action>",
		Short: "jobd supervises a job queue with a pool of worker processes",
		Long: `jobd runs a job-processing daemon: it pulls pending jobs from a source and
runs each one in-process or in a pooled worker process, within a memory limit
and a configurable number of concurrent workers.`,
		Version: fmt.Sprintf("%s (%s)", version, gitCommit),
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_ = cmd.Usage()
				return &exitError{code: 1, err: errors.New("an action is required")}
			}
			return &exitError{code: 1, err: fmt.Errorf("%w: %s", errUnsupported, args[0])}
		},
	}
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	// run is the only action; --help still prints usage.
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "help",
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		RunE: func(*cobra.Command, []string) error {
			return &exitError{code: 1, err: fmt.Errorf("%w: help", errUnsupported)}
		},
	})

	f.register(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the daemon",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDaemon(cmd, f)
			},
		},
		&cobra.Command{
			Use:    dispatch.WorkerCommand,
			Short:  "Run one job handed over on stdin (internal)",
			Hidden: true,
			Args:   cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if code := runWorker(cmd.InOrStdin()); code != 0 {
					return &exitError{code: code}
				}
				return nil
			},
		},
	)

	return rootCmd
}
