// ============================================================================
// gpuq Worker - Scheduler Loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Drain the shared job table one job at a time
//
// Cycle:
//
//	┌──────────┐  none   ┌──────┐
//	│  CLAIM   │ ──────→ │ IDLE │ ── sleep poll_interval ──┐
//	└──────────┘         └──────┘                          │
//	     │ job                                             │
//	     ↓                                                 │
//	┌──────────┐ capacity exceeded → ERROR                 │
//	│ARBITRATE │─────────────────────────────┐             │
//	└──────────┘                             │             │
//	     │ device                            ↓             │
//	┌──────────┐ launch failure → ERROR  ┌──────────┐      │
//	│  LAUNCH  │───────────────────────→ │ FINALIZE │ ─────┤
//	└──────────┘                         └──────────┘      │
//	     │ pid recorded                       ↑            │
//	     └──────── wait for exit ─────────────┘            │
//	                                                       ↓
//	                                                    CLAIM
//
// Failure policy:
//   A job's own failure (capacity, launch, non-zero exit, a panic in its
//   handling) finalizes it as ERROR and the loop goes on. Only cancellation
//   of the Run context ends the loop; a job RUNNING at that moment is
//   finalized as ERROR first. The child process is left alive; it can be
//   stopped separately through its recorded pid.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/gpuq/internal/gpu"
	"github.com/ChuLiYu/gpuq/internal/launcher"
	"github.com/ChuLiYu/gpuq/internal/metrics"
	"github.com/ChuLiYu/gpuq/pkg/types"
)

// JobTable the table operations a worker needs
type JobTable interface {
	ClaimNext(ctx context.Context) (*types.Job, error)
	MarkStarted(ctx context.Context, id, pid int) error
	Finalize(ctx context.Context, id int, state types.State) (*types.Job, error)
}

// Arbiter waits for GPU memory
type Arbiter interface {
	AwaitCapacity(ctx context.Context, requestedMB int, poll time.Duration) (gpu.Assignment, error)
}

// Launcher starts job processes
type Launcher interface {
	Start(req launcher.Request) (launcher.Handle, error)
}

// EventLog lifecycle log
type EventLog interface {
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
	Success(format string, args ...interface{})
}

// StatusReporter is told when the loop starts and stops serving
type StatusReporter interface {
	SetServing(serving bool)
}

// Config worker settings
type Config struct {
	ID              string
	PollInterval    time.Duration
	DeviceFlag      string // fmt pattern taking the device index, e.g. "cuda:%d"
	MultiDeviceFlag string // appended to jobs spanning several devices
	PythonToken     string // command word replaced with the job's env_path
}

// Worker one scheduler loop
type Worker struct {
	cfg      Config
	table    JobTable
	arbiter  Arbiter
	launcher Launcher

	events  EventLog
	metrics *metrics.Collector
	status  StatusReporter
	log     logrus.FieldLogger
	now     func() time.Time

	idle bool
}

// Option configures a Worker
type Option func(*Worker)

// WithEventLog sets the lifecycle log
func WithEventLog(e EventLog) Option {
	return func(w *Worker) { w.events = e }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithStatus sets the reporter told about serving state
func WithStatus(s StatusReporter) Option {
	return func(w *Worker) { w.status = s }
}

// WithLogger sets the operational logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Worker) { w.log = l }
}

// New creates a worker
func New(cfg Config, table JobTable, arbiter Arbiter, l Launcher, opts ...Option) *Worker {
	w := &Worker{
		cfg:      cfg,
		table:    table,
		arbiter:  arbiter,
		launcher: l,
		events:   nopEvents{},
		log:      logrus.StandardLogger(),
		now:      time.Now,
		// a fresh worker counts as idle, so startup logs nothing
		idle: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithField("worker", cfg.ID)
	w.metrics.SetIdle(true)
	return w
}

// Run loops until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.PollInterval <= 0 {
		return errors.Errorf("worker %s: poll interval must be positive", w.cfg.ID)
	}

	w.setServing(true)
	defer w.setServing(false)

	w.log.WithField("poll_interval", w.cfg.PollInterval).Info("worker started")
	for {
		if ctx.Err() != nil {
			break
		}
		if _, err := w.Cycle(ctx); err != nil {
			// table unavailable (lock timeout, I/O); try again next cycle
			w.log.WithError(err).Warn("claim failed")
		}
		if !sleep(ctx, w.cfg.PollInterval) {
			break
		}
	}
	w.log.Info("worker stopped")
	return nil
}

// Cycle claims at most one job and carries it to a terminal state. Reports
// whether a job was claimed.
func (w *Worker) Cycle(ctx context.Context) (bool, error) {
	job, err := w.table.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		w.setIdle(true)
		return false, nil
	}

	w.setIdle(false)
	w.metrics.RecordClaim()
	w.events.Info("Starting job: %s", job.Repr(-1))
	w.process(ctx, job)
	return true, nil
}

// setIdle records an idle<->busy transition; only the move to idle is logged
func (w *Worker) setIdle(idle bool) {
	if w.idle == idle {
		return
	}
	w.idle = idle
	w.metrics.SetIdle(idle)
	if idle {
		w.events.Info("Worker %s idle ...", w.cfg.ID)
	}
}

type waitResult struct {
	code int
	err  error
}

// process runs one claimed job; it always leaves the job FINISHED or ERROR
func (w *Worker) process(ctx context.Context, job *types.Job) {
	jl := w.log.WithField("job", job.ID)
	finalized := false
	finish := func(state types.State) {
		finalized = true
		w.finalize(ctx, job, state)
	}

	defer func() {
		if r := recover(); r != nil {
			jl.WithField("panic", r).Errorf("job handling panicked\n%s", debug.Stack())
			w.events.Error("Internal failure on %s: %v", job.Repr(1), r)
			if !finalized {
				w.metrics.RecordFailed(0)
				finish(types.StateError)
			}
		}
	}()

	waitStart := w.now()
	assignment, err := w.arbiter.AwaitCapacity(ctx, job.GPUMem, w.cfg.PollInterval)
	if err != nil {
		var capErr *gpu.CapacityExceededError
		switch {
		case errors.As(err, &capErr):
			w.metrics.RecordCapacityExceeded()
			w.events.Error("GpuMemoryOutOfRange(Requested=%d MB, Available=%d MB) on %s",
				capErr.Requested, capErr.Total, job.Repr(1))
		case ctx.Err() != nil:
			w.metrics.RecordFailed(0)
			w.events.Error("Interrupted while waiting for GPU memory on %s", job.Repr(1))
		default:
			w.metrics.RecordFailed(0)
			w.events.Error("GPU arbitration failed on %s: %v", job.Repr(1), err)
		}
		finish(types.StateError)
		return
	}
	w.metrics.RecordGPUWait(w.now().Sub(waitStart))

	command := w.Command(job, assignment)
	jl.WithFields(logrus.Fields{"assignment": assignment.String(), "command": command}).Debug("launching")

	h, err := w.launcher.Start(launcher.Request{
		Command:    command,
		User:       job.User,
		WorkingDir: job.WorkingDir,
	})
	if err != nil {
		w.metrics.RecordFailed(0)
		w.events.Error("Failed to launch %s: %v", job.Repr(1), err)
		finish(types.StateError)
		return
	}
	started := w.now()

	// record the pid even if an interrupt is already pending
	if err := w.table.MarkStarted(context.WithoutCancel(ctx), job.ID, h.Pid()); err != nil {
		jl.WithError(err).Warn("could not record pid")
	}

	done := make(chan waitResult, 1)
	go func() {
		code, err := h.Wait()
		done <- waitResult{code: code, err: err}
	}()

	select {
	case res := <-done:
		run := w.now().Sub(started)
		if res.err == nil && res.code == 0 {
			w.metrics.RecordFinished(run)
			finish(types.StateFinished)
			w.events.Success("On %s", job.Repr(1))
			return
		}
		w.metrics.RecordFailed(run)
		finish(types.StateError)
		if res.err != nil {
			w.events.Error("On %s: %v", job.Repr(1), res.err)
		} else {
			w.events.Error("On %s: exit code %d", job.Repr(1), res.code)
		}
	case <-ctx.Done():
		w.metrics.RecordFailed(w.now().Sub(started))
		finish(types.StateError)
		w.events.Error("Worker %s interrupted, %s marked as ERROR (pid %d left running)",
			w.cfg.ID, job.Repr(1), h.Pid())
	}
}

// finalize writes the terminal state; it runs even after ctx is cancelled
func (w *Worker) finalize(ctx context.Context, job *types.Job, state types.State) {
	if _, err := w.table.Finalize(context.WithoutCancel(ctx), job.ID, state); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{"job": job.ID, "state": state}).Error("could not finalize job")
	}
}

// Command the shell command for job: the interpreter token replaced by the
// job's env_path and the device argument appended.
func (w *Worker) Command(job *types.Job, a gpu.Assignment) string {
	cmd := job.Command
	if job.EnvPath != "" && w.cfg.PythonToken != "" {
		cmd = replaceWord(cmd, w.cfg.PythonToken, job.EnvPath)
	}
	if arg := a.DeviceArg(w.cfg.DeviceFlag, w.cfg.MultiDeviceFlag); arg != "" {
		cmd = fmt.Sprintf("%s %s", cmd, arg)
	}
	return cmd
}

// replaceWord replaces whitespace-separated words equal to word
func replaceWord(s, word, with string) string {
	var b strings.Builder
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		if s[start:end] == word {
			b.WriteString(with)
		} else {
			b.WriteString(s[start:end])
		}
		start = -1
	}
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == ';' || r == '&' || r == '|' {
			flush(i)
			b.WriteRune(r)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(s))
	return b.String()
}

func (w *Worker) setServing(serving bool) {
	if w.status != nil {
		w.status.SetServing(serving)
	}
}

// sleep waits d or until ctx is done; false means ctx ended
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type nopEvents struct{}

func (nopEvents) Info(string, ...interface{})    {}
func (nopEvents) Error(string, ...interface{})   {}
func (nopEvents) Success(string, ...interface{}) {}
