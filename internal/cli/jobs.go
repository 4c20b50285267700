package cli

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gpuq/internal/gpu"
	"github.com/ChuLiYu/gpuq/internal/jobtable"
	"github.com/ChuLiYu/gpuq/pkg/types"
)

// ============================================================================
// add
// ============================================================================

func buildAddCommand(a *app) *cobra.Command {
	var (
		priority   string
		gpuMem     string
		env        string
		workingDir string
	)

	cmd := &cobra.Command{
		Use:   "add [flags] -- COMMAND...",
		Short: "Add a job to the queue",
		Long: `Add a shell command to the queue as the current user.

--gpu-mem takes megabytes ("8000") or a size with unit ("8GB"); 0 means the
job needs no GPU. --env names one of your registered environments; its
interpreter replaces the "python" word of the command and its working
directory is used unless --working-dir is given.`,
		Example: `  gpuq add -p high --gpu-mem 8GB --env torch -- python train.py --epochs 10`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.add(cmd, strings.Join(args, " "), priority, gpuMem, env, workingDir)
		},
	}

	cmd.Flags().StringVarP(&priority, "priority", "p", "NORMAL", "low (1), normal/medium (2), high (3) or urgent (4)")
	cmd.Flags().StringVar(&gpuMem, "gpu-mem", "0", "GPU memory needed, MB or with unit")
	cmd.Flags().StringVar(&env, "env", "", "registered environment name or interpreter path")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "working directory, defaults to the environment's")
	return cmd
}

func (a *app) add(cmd *cobra.Command, command, priority, gpuMem, env, workingDir string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	caller, err := a.whoami()
	if err != nil {
		return err
	}
	mem, err := parseGPUMem(gpuMem)
	if err != nil {
		return err
	}

	req := jobtable.AddRequest{
		Command:  command,
		Priority: priority,
		GPUMem:   mem,
		Owner:    caller,
	}
	if env != "" {
		e, err := a.settingsStore().Resolve(ctx, caller, env)
		if err != nil {
			return err
		}
		req.EnvPath = e.EnvPath
		req.WorkingDir = e.WorkingDir
	}
	if workingDir != "" {
		abs, err := filepath.Abs(workingDir)
		if err != nil {
			return errors.Wrapf(err, "working dir %s", workingDir)
		}
		req.WorkingDir = abs
	}

	tbl, err := a.table()
	if err != nil {
		return err
	}
	job, err := tbl.Add(ctx, req)
	if err != nil {
		return err
	}

	for _, w := range a.memoryWarnings(ctx, mem) {
		fmt.Fprintf(out, "WARNING: %s\n", w)
	}
	fmt.Fprintf(out, "Adding %s ...\n", job.Repr(a.verbose))
	return nil
}

// memoryWarnings advice about a request that cannot fit one device
func (a *app) memoryWarnings(ctx context.Context, mem int) []string {
	if mem <= 0 {
		return nil
	}
	devices, err := a.gpuTelemetry().Query(ctx)
	if err != nil {
		logrus.WithError(err).Debug("GPU telemetry unavailable, skipping memory check")
		return nil
	}
	if len(devices) == 0 {
		return nil
	}
	snap := gpu.Snapshot{Devices: devices}
	switch {
	case mem > snap.Total():
		return []string{fmt.Sprintf("'gpu_mem' (%d MB) exceeds the total GPU memory of this host (%d MB); the job will fail", mem, snap.Total())}
	case mem > snap.LargestDevice():
		return []string{"'gpu_mem' exceeds any single GPU memory. Using multiple GPUs..."}
	}
	return nil
}

// parseGPUMem plain numbers are MB; anything else is a size with unit
func parseGPUMem(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0, &jobtable.ValidationError{Field: "gpu_mem", Value: s}
		}
		return int(f), nil
	}
	size, err := datasize.ParseString(s)
	if err != nil {
		return 0, &jobtable.ValidationError{Field: "gpu_mem", Value: s, Cause: err}
	}
	return int(math.Ceil(size.MBytes())), nil
}

// ============================================================================
// show
// ============================================================================

func buildShowCommand(a *app) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "show [ID]",
		Short: "Show the queue, one job, or jobs in one state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.show(cmd, args, state)
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", "", "only jobs in this state")
	return cmd
}

func (a *app) show(cmd *cobra.Command, args []string, state string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	tbl, err := a.table()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		job, err := tbl.Get(ctx, ids[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, job.Repr(a.verbose))
		return nil
	}

	var jobs []*types.Job
	if state != "" {
		s, err := types.ParseState(state)
		if err != nil {
			return &jobtable.ValidationError{Field: "state", Value: state, Cause: err}
		}
		jobs, err = tbl.ListState(ctx, s)
		if err != nil {
			return err
		}
	} else {
		jobs, err = tbl.Read(ctx)
		if err != nil {
			return err
		}
	}
	renderJobs(out, jobs, a.verbose)
	return nil
}

// ============================================================================
// update / remove
// ============================================================================

func buildUpdateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update ID ATTRIBUTE VALUE",
		Short: "Change priority, command or gpu_mem of one of your jobs",
		Long:  "Change priority, command or gpu_mem of one of your jobs. Admins may update any job.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			caller, err := a.whoami()
			if err != nil {
				return err
			}
			tbl, err := a.table()
			if err != nil {
				return err
			}
			value := args[2]
			if args[1] == "gpu_mem" {
				mem, err := parseGPUMem(value)
				if err != nil {
					return err
				}
				value = strconv.Itoa(mem)
			}
			job, err := tbl.Update(cmd.Context(), caller, ids[0], args[1], value)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", job.Repr(a.verbose))
			return nil
		},
	}
}

func buildRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID...",
		Aliases: []string{"rm"},
		Short:   "Remove your jobs from the queue",
		Long:    "Remove your jobs from the queue. Ids of other users' jobs are skipped unless you are an admin.",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			caller, err := a.whoami()
			if err != nil {
				return err
			}
			tbl, err := a.table()
			if err != nil {
				return err
			}
			n, err := tbl.Remove(cmd.Context(), caller, ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removing %d jobs ...\n", n)
			return nil
		},
	}
}

// ============================================================================
// pause / resume
// ============================================================================

func buildPauseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause all|PRIORITY|ID...",
		Short: "Pause waiting jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.transition(cmd, args, "Paused", (*jobtable.Table).Pause)
		},
	}
}

func buildResumeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume all|PRIORITY|ID...",
		Short: "Resume paused jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.transition(cmd, args, "Resumed", (*jobtable.Table).Resume)
		},
	}
}

func (a *app) transition(cmd *cobra.Command, args []string, verb string,
	op func(*jobtable.Table, context.Context, jobtable.Selector) ([]int, error)) error {
	sel, err := jobtable.ParseSelector(args)
	if err != nil {
		return err
	}
	tbl, err := a.table()
	if err != nil {
		return err
	}
	changed, err := op(tbl, cmd.Context(), sel)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d jobs (%s): %v\n", verb, len(changed), sel, changed)
	return nil
}

// ============================================================================
// clear / clear-state
// ============================================================================

func buildClearCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every job from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := a.table()
			if err != nil {
				return err
			}
			n, err := tbl.Clear(cmd.Context(), yes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm removing all jobs")
	return cmd
}

func buildClearStateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-state STATE",
		Short: "Remove every job in one state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := types.ParseState(args[0])
			if err != nil {
				return &jobtable.ValidationError{Field: "state", Value: args[0], Cause: err}
			}
			tbl, err := a.table()
			if err != nil {
				return err
			}
			n, err := tbl.ClearState(cmd.Context(), state)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s jobs\n", n, state)
			return nil
		},
	}
}

// ============================================================================
// kill / retry
// ============================================================================

func buildKillCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "kill ID",
		Short: "Kill the process group of a running job",
		Long:  "Kill a RUNNING job you own. Without -y/--yes only reports what would be killed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			caller, err := a.whoami()
			if err != nil {
				return err
			}
			tbl, err := a.table()
			if err != nil {
				return err
			}
			job, err := tbl.RunningJob(cmd.Context(), caller, ids[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !yes {
				fmt.Fprintf(out, "DRY-RUN: Killing job with id=%d (pid %d). If you are sure you want to kill this process use flag -y/--yes\n", job.ID, job.PID)
				return nil
			}
			if err := a.kill(job.PID); err != nil {
				return errors.Wrapf(err, "failed to kill job with id=%d", job.ID)
			}
			logrus.WithFields(logrus.Fields{"job": job.ID, "pid": job.PID, "caller": caller}).Info("job killed")
			fmt.Fprintf(out, "Killed job with id=%d\n", job.ID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "really kill the job")
	return cmd
}

func buildRetryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID...",
		Short: "Queue finished or failed jobs of yours again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			caller, err := a.whoami()
			if err != nil {
				return err
			}
			tbl, err := a.table()
			if err != nil {
				return err
			}
			retried, err := tbl.Retry(cmd.Context(), caller, ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retrying %d jobs: %v\n", len(retried), retried)
			return nil
		},
	}
}

// ============================================================================
// info / gpu
// ============================================================================

func buildInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show where the queue and user settings live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := a.table()
			if err != nil {
				return err
			}
			ti, err := tbl.Stat()
			if err != nil {
				return err
			}
			si, err := a.settingsStore().Stat()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			renderFileInfo(out, "Queue", ti.Path, ti.Exists, ti.Mode, ti.Modified, ti.Size)
			renderFileInfo(out, "User Settings", si.Path, si.Exists, si.Mode, si.Modified, si.Size)
			return nil
		},
	}
}

func buildGPUCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gpu",
		Short: "Show GPU memory as the scheduler sees it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := gpu.NewArbiter(a.gpuTelemetry(), nil).Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			renderGPUs(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}
