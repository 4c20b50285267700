// ============================================================================
// gpuq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree over the shared job table
//
// Command Structure:
//   gpuq                           # same as "gpuq show"
//   ├── add -- COMMAND...          # submit a job
//   ├── show [ID] [--state S]      # list jobs or show one
//   ├── update ID ATTR VALUE       # change priority, command or gpu_mem
//   ├── remove ID...               # delete own jobs
//   ├── pause  all|PRIORITY|ID...  # WAITING -> PAUSED
//   ├── resume all|PRIORITY|ID...  # PAUSED -> WAITING
//   ├── clear -y                   # delete every job
//   ├── clear-state STATE          # delete jobs in one state
//   ├── kill ID [-y]               # SIGKILL a running job's process group
//   ├── retry ID...                # FINISHED/ERROR -> WAITING
//   ├── info                       # table and settings file facts
//   ├── gpu                        # current GPU memory
//   ├── settings show|update       # user environments
//   ├── worker                     # run one scheduler loop
//   └── serve                      # run worker.count worker processes
//
// Identity:
//   The caller is the login of the invoking process. Ownership checks in the
//   table compare against it; admins from the config may kill any job.
//
// Signal Handling:
//   worker and serve stop on SIGINT/SIGTERM. A worker marks its RUNNING job
//   ERROR before exiting; serve forwards the signal to every worker.
//
// ============================================================================

package cli

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gpuq/internal/config"
	"github.com/ChuLiYu/gpuq/internal/gpu"
	"github.com/ChuLiYu/gpuq/internal/jobtable"
	"github.com/ChuLiYu/gpuq/internal/launcher"
	"github.com/ChuLiYu/gpuq/internal/settings"
)

// Version reported by --version
var Version = "0.1.0"

// Option customizes the command tree, mostly for tests
type Option func(*app)

// WithConfig uses cfg instead of loading --config
func WithConfig(cfg *config.Config) Option {
	return func(a *app) { a.cfg = cfg }
}

// WithCaller overrides the invoking user's login
func WithCaller(name string) Option {
	return func(a *app) { a.caller = name }
}

// WithTelemetry overrides the GPU telemetry source
func WithTelemetry(t gpu.Telemetry) Option {
	return func(a *app) { a.telemetry = t }
}

// WithUsers overrides the local user database used by settings discovery
func WithUsers(u settings.UserSource) Option {
	return func(a *app) { a.users = u }
}

// WithKiller overrides how kill stops a process group
func WithKiller(kill func(pid int) error) Option {
	return func(a *app) { a.kill = kill }
}

// app state shared by all commands of one invocation
type app struct {
	configFile string
	verbose    int
	logLevel   string

	cfg       *config.Config
	caller    string
	telemetry gpu.Telemetry
	users     settings.UserSource
	kill      func(pid int) error
}

// BuildCLI the root command
func BuildCLI(opts ...Option) *cobra.Command {
	a := &app{
		users: settings.SystemUsers(),
		kill:  launcher.Kill,
	}
	for _, opt := range opts {
		opt(a)
	}

	rootCmd := &cobra.Command{
		Use:   "gpuq",
		Short: "gpuq: a shared GPU job queue for one host",
		Long: `gpuq queues shell commands from many local users and runs them one at a
time per worker, as their owner, once enough GPU memory is free.
Without a subcommand it lists the queue.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.show(cmd, nil, "")
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().IntVarP(&a.verbose, "verbose", "v", 1, "detail level of job output, -1 for everything")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildAddCommand(a),
		buildShowCommand(a),
		buildUpdateCommand(a),
		buildRemoveCommand(a),
		buildPauseCommand(a),
		buildResumeCommand(a),
		buildClearCommand(a),
		buildClearStateCommand(a),
		buildKillCommand(a),
		buildRetryCommand(a),
		buildInfoCommand(a),
		buildGPUCommand(a),
		buildSettingsCommand(a),
		buildWorkerCommand(a),
		buildServeCommand(a),
	)
	return rootCmd
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(a.logLevel)
	if err != nil {
		return errors.Wrap(err, "--log-level")
	}
	logrus.SetLevel(lvl)

	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg
	return nil
}

func (a *app) table() (*jobtable.Table, error) {
	return jobtable.New(a.cfg.Table.Path,
		jobtable.WithLockTimeout(a.cfg.Table.LockTimeout),
		jobtable.WithAdmins(a.cfg.Admins...),
	)
}

func (a *app) settingsStore() *settings.Store {
	return settings.NewStore(a.cfg.Settings.Path, a.users, a.cfg.Table.LockTimeout)
}

func (a *app) gpuTelemetry() gpu.Telemetry {
	if a.telemetry != nil {
		return a.telemetry
	}
	return &gpu.NvidiaSMI{Command: a.cfg.GPU.Command, Log: logrus.StandardLogger()}
}

// whoami login of the invoking user
func (a *app) whoami() (string, error) {
	if a.caller != "" {
		return a.caller, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "determine current user")
	}
	return u.Username, nil
}

// configPath absolute --config for child processes
func (a *app) configPath() string {
	if abs, err := filepath.Abs(a.configFile); err == nil {
		return abs
	}
	return a.configFile
}

func parseIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, s := range args {
		id, err := strconv.Atoi(s)
		if err != nil || id < 0 {
			return nil, &jobtable.ValidationError{Field: "job id", Value: s}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
