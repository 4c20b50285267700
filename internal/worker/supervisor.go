// ============================================================================
// gpuq Supervisor - worker process pool
// ============================================================================
//
// Package: internal/worker
// File: supervisor.go
// Purpose: Run N independent worker processes against one job table
//
// Workers are separate OS processes, not goroutines: they coordinate only
// through the table's file lock, exactly as workers started by hand on
// different terminals would. The supervisor staggers their start so they do
// not all poll at the same instant.
//
// Lifecycle:
//  1. NewSupervisor() - configure executable, argument builder and stagger
//  2. Run(ctx)        - start Count children, one every Stagger
//  3. ctx cancelled   - SIGINT to every child; each finalizes its running
//                       job as ERROR and exits
//  4. Run returns once all children have exited
//
// ============================================================================

package worker

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrSupervisorStarted Run was called twice
var ErrSupervisorStarted = errors.New("supervisor already started")

// SupervisorConfig how to start worker processes
type SupervisorConfig struct {
	Count   int
	Stagger time.Duration
	// Path of the executable, os.Executable() when empty
	Path string
	// Args builds the argument list of worker index i with the given ID
	Args func(i int, id string) []string
	// Grace is how long children get to exit after SIGINT before SIGKILL
	Grace time.Duration
}

// Supervisor starts and stops worker processes
type Supervisor struct {
	cfg SupervisorConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	started  bool
	children []*exec.Cmd
}

// NewSupervisor creates a supervisor
func NewSupervisor(cfg SupervisorConfig, log logrus.FieldLogger) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	return &Supervisor{cfg: cfg, log: log}
}

// NewWorkerID a short random worker identifier
func NewWorkerID() string {
	return uuid.NewString()[:8]
}

// Run starts the workers and waits for all of them. It returns when every
// child has exited; errors from children that failed on their own are
// collected.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSupervisorStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Count < 1 {
		return errors.Errorf("worker count must be at least 1, got %d", s.cfg.Count)
	}
	path := s.cfg.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, "locate executable")
		}
		path = exe
	}

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)
	fail := func(err error) {
		errMu.Lock()
		result = multierror.Append(result, err)
		errMu.Unlock()
	}

	for i := 0; i < s.cfg.Count; i++ {
		if i > 0 && !sleep(ctx, s.cfg.Stagger) {
			break
		}

		id := NewWorkerID()
		var args []string
		if s.cfg.Args != nil {
			args = s.cfg.Args(i, id)
		}
		cmd := exec.Command(path, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// children get our signals only through the supervisor
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			fail(errors.Wrapf(err, "start worker %d", i))
			continue
		}
		s.mu.Lock()
		s.children = append(s.children, cmd)
		s.mu.Unlock()

		wl := s.log.WithFields(logrus.Fields{"index": i, "worker": id, "pid": cmd.Process.Pid})
		wl.Info("worker process started")

		wg.Add(1)
		go func(cmd *exec.Cmd) {
			defer wg.Done()
			err := cmd.Wait()
			if err != nil && ctx.Err() == nil {
				wl.WithError(err).Error("worker process exited")
				fail(errors.Wrapf(err, "worker %s", id))
				return
			}
			wl.Info("worker process stopped")
		}(cmd)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.signal(syscall.SIGINT)
		select {
		case <-done:
		case <-time.After(s.cfg.Grace):
			s.log.Warn("workers did not stop in time, killing")
			s.signal(syscall.SIGKILL)
			<-done
		}
	}
	return result.ErrorOrNil()
}

// Pids of the started children
func (s *Supervisor) Pids() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.children))
	for _, c := range s.children {
		pids = append(pids, c.Process.Pid)
	}
	return pids
}

func (s *Supervisor) signal(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if err := c.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.WithError(err).WithField("pid", c.Process.Pid).Warn("signal worker")
		}
	}
}
