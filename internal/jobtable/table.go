// ============================================================================
// gpuq Job Table - shared persistent queue
// ============================================================================
//
// Package: internal/jobtable
// File: table.go
// Purpose: Job collection shared by every worker and client on the host
//
// Concurrency:
//   Every mutating operation runs read -> validate -> mutate -> write while
//   holding the exclusive lock on "<path>.lock". Operations from any process
//   are therefore linearized, and ClaimNext hands a job to at most one worker.
//
//   Read does not take the lock: the file is only ever replaced by rename, so
//   a reader sees either the old or the new table, never a partial one.
//
// State machine:
//   WAITING --ClaimNext--> RUNNING --Finalize--> FINISHED | ERROR
//   WAITING <--Pause/Resume--> PAUSED
//   FINISHED | ERROR --Retry--> WAITING
//
// ============================================================================

package jobtable

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/gpuq/internal/filelock"
	"github.com/ChuLiYu/gpuq/pkg/types"
)

// DefaultLockTimeout bound on waiting for the table lock
const DefaultLockTimeout = 30 * time.Second

// Table lock-guarded job collection persisted at a fixed path
type Table struct {
	store       store
	lock        *filelock.Lock
	lockTimeout time.Duration
	admins      map[string]bool
	now         func() time.Time
	log         logrus.FieldLogger
}

// Option configures a Table
type Option func(*Table)

// WithLockTimeout bounds lock acquisition; <= 0 waits forever
func WithLockTimeout(d time.Duration) Option {
	return func(t *Table) { t.lockTimeout = d }
}

// WithAdmins users allowed to kill jobs they do not own
func WithAdmins(names ...string) Option {
	return func(t *Table) {
		for _, n := range names {
			t.admins[n] = true
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithLogger sets the logger used for table events
func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Table) { t.log = l }
}

// New opens the table at path, creating its directory if needed. The table
// file itself is created on first write.
func New(path string, opts ...Option) (*Table, error) {
	if path == "" {
		return nil, errors.New("jobtable: empty path")
	}

	t := &Table{
		store:       store{path: path},
		lockTimeout: DefaultLockTimeout,
		admins:      make(map[string]bool),
		now:         time.Now,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}

	// Saving renames a temp file into place, so every user needs write
	// access to the directory, not just the file.
	if err := filelock.MkdirShared(filepath.Dir(path)); err != nil {
		return nil, errors.Wrap(err, "jobtable")
	}
	t.lock = filelock.New(path+".lock", t.lockTimeout)
	return t, nil
}

// Path of the table file
func (t *Table) Path() string {
	return t.store.path
}

// IsAdmin reports whether name may act on other users' jobs
func (t *Table) IsAdmin(name string) bool {
	return t.admins[name]
}

// mutate runs fn on the current collection under the lock and persists the
// returned collection. A nil result means nothing changed and skips the write.
func (t *Table) mutate(ctx context.Context, fn func(jobs []*types.Job) ([]*types.Job, error)) error {
	return t.lock.With(ctx, func() error {
		jobs, err := t.store.load()
		if err != nil {
			return err
		}
		next, err := fn(jobs)
		if err != nil || next == nil {
			return err
		}
		types.Sort(next)
		return t.store.save(next)
	})
}

// ============================================================================
// Bulk access
// ============================================================================

// Read returns the persisted jobs in canonical order; a missing table is empty.
func (t *Table) Read(ctx context.Context) ([]*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.store.load()
}

// Write replaces the persisted collection with jobs
func (t *Table) Write(ctx context.Context, jobs []*types.Job) error {
	return t.lock.With(ctx, func() error {
		cp := make([]*types.Job, len(jobs))
		for i, j := range jobs {
			cp[i] = j.Clone()
		}
		types.Sort(cp)
		return t.store.save(cp)
	})
}

// Get returns one job
func (t *Table) Get(ctx context.Context, id int) (*types.Job, error) {
	jobs, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	if j := find(jobs, id); j != nil {
		return j, nil
	}
	return nil, unknownJob(id, jobs)
}

// ListState returns the jobs currently in state
func (t *Table) ListState(ctx context.Context, state types.State) ([]*types.Job, error) {
	jobs, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.State == state {
			out = append(out, j)
		}
	}
	return out, nil
}

// ============================================================================
// Client operations
// ============================================================================

// AddRequest a new submission
type AddRequest struct {
	Command    string
	Priority   string // name or number, see types.ParsePriority
	GPUMem     int    // MB
	Owner      string
	EnvPath    string
	WorkingDir string
}

// Add appends a WAITING job with the lowest unused id
func (t *Table) Add(ctx context.Context, req AddRequest) (*types.Job, error) {
	prio, err := types.ParsePriority(req.Priority)
	if err != nil {
		return nil, &ValidationError{Field: "priority", Value: req.Priority, Cause: err}
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, &ValidationError{Field: "command", Value: req.Command}
	}
	if req.GPUMem < 0 {
		return nil, &ValidationError{Field: "gpu_mem", Value: strconv.Itoa(req.GPUMem)}
	}
	if req.Owner == "" {
		return nil, &ValidationError{Field: "user", Value: req.Owner}
	}

	var added *types.Job
	err = t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		added = &types.Job{
			ID:         nextID(jobs),
			User:       req.Owner,
			Command:    req.Command,
			Priority:   prio,
			GPUMem:     req.GPUMem,
			State:      types.StateWaiting,
			CTime:      t.now(),
			EnvPath:    req.EnvPath,
			WorkingDir: req.WorkingDir,
		}
		return append(jobs, added), nil
	})
	if err != nil {
		return nil, err
	}
	return added.Clone(), nil
}

// Update changes priority, command or gpu_mem of a job owned by caller.
// Admins may update any job.
func (t *Table) Update(ctx context.Context, caller string, id int, attribute, value string) (*types.Job, error) {
	var updated *types.Job
	err := t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		j := find(jobs, id)
		if j == nil {
			return nil, unknownJob(id, jobs)
		}
		if !t.mayModify(caller, j) {
			return nil, &PermissionError{Caller: caller, Owner: j.User, JobID: id}
		}

		switch attribute {
		case "priority":
			p, err := types.ParsePriority(value)
			if err != nil {
				return nil, &ValidationError{Field: attribute, Value: value, Cause: err}
			}
			j.Priority = p
		case "command":
			if strings.TrimSpace(value) == "" {
				return nil, &ValidationError{Field: attribute, Value: value}
			}
			j.Command = value
		case "gpu_mem":
			mem, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || mem < 0 {
				return nil, &ValidationError{Field: attribute, Value: value, Cause: err}
			}
			j.GPUMem = mem
		default:
			return nil, &InvalidAttributeError{Attribute: attribute}
		}
		updated = j.Clone()
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes the listed jobs owned by caller, or any listed job when
// caller is an admin; other ids are skipped. Returns the number removed.
func (t *Table) Remove(ctx context.Context, caller string, ids []int) (int, error) {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return t.removeWhere(ctx, func(j *types.Job) bool {
		return want[j.ID] && t.mayModify(caller, j)
	})
}

func (t *Table) mayModify(caller string, j *types.Job) bool {
	return j.User == caller || t.admins[caller]
}

// Pause moves selected WAITING jobs to PAUSED
func (t *Table) Pause(ctx context.Context, sel Selector) ([]int, error) {
	return t.transition(ctx, sel, types.StateWaiting, types.StatePaused)
}

// Resume moves selected PAUSED jobs back to WAITING
func (t *Table) Resume(ctx context.Context, sel Selector) ([]int, error) {
	return t.transition(ctx, sel, types.StatePaused, types.StateWaiting)
}

func (t *Table) transition(ctx context.Context, sel Selector, from, to types.State) ([]int, error) {
	var changed []int
	err := t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		for _, j := range jobs {
			if j.State == from && sel.matches(j) {
				j.State = to
				changed = append(changed, j.ID)
			}
		}
		if len(changed) == 0 {
			return nil, nil
		}
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// Clear removes every job. Without confirmation nothing is touched and
// ErrClearNotConfirmed is returned.
func (t *Table) Clear(ctx context.Context, confirmed bool) (int, error) {
	if !confirmed {
		return 0, ErrClearNotConfirmed
	}
	var n int
	err := t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		n = len(jobs)
		return []*types.Job{}, nil
	})
	if err != nil {
		return 0, err
	}
	t.log.WithField("removed", n).Info("job table cleared")
	return n, nil
}

// ClearState removes every job in state
func (t *Table) ClearState(ctx context.Context, state types.State) (int, error) {
	if !state.Valid() {
		return 0, &ValidationError{Field: "state", Value: string(state)}
	}
	return t.removeWhere(ctx, func(j *types.Job) bool { return j.State == state })
}

func (t *Table) removeWhere(ctx context.Context, drop func(*types.Job) bool) (int, error) {
	var removed int
	err := t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		kept := make([]*types.Job, 0, len(jobs))
		for _, j := range jobs {
			if drop(j) {
				removed++
				continue
			}
			kept = append(kept, j)
		}
		if removed == 0 {
			return nil, nil
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Retry returns caller-owned FINISHED or ERROR jobs to WAITING. The pid and
// start/finish times are cleared; ctime is kept.
func (t *Table) Retry(ctx context.Context, caller string, ids []int) ([]int, error) {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var retried []int
	err := t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		for _, j := range jobs {
			if !want[j.ID] || j.User != caller || !j.State.Terminal() {
				continue
			}
			j.State = types.StateWaiting
			j.PID = 0
			j.STime = time.Time{}
			j.FTime = time.Time{}
			retried = append(retried, j.ID)
		}
		if len(retried) == 0 {
			return nil, nil
		}
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	return retried, nil
}

// RunningJob returns a RUNNING job with a recorded pid that caller may kill:
// the owner or an admin.
func (t *Table) RunningJob(ctx context.Context, caller string, id int) (*types.Job, error) {
	j, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.mayModify(caller, j) {
		return nil, &PermissionError{Caller: caller, Owner: j.User, JobID: id}
	}
	if j.State != types.StateRunning || j.PID == 0 {
		return nil, &NotRunningError{JobID: id, State: j.State}
	}
	return j, nil
}

// ============================================================================
// Worker operations
// ============================================================================

// ClaimNext moves the highest-ranked WAITING job to RUNNING, stamps its start
// time and returns it. Returns nil, nil when nothing is waiting.
func (t *Table) ClaimNext(ctx context.Context) (*types.Job, error) {
	var claimed *types.Job
	err := t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		// load returns canonical order, so the first WAITING job wins
		for _, j := range jobs {
			if j.State != types.StateWaiting {
				continue
			}
			j.State = types.StateRunning
			j.STime = t.now()
			j.PID = 0
			j.FTime = time.Time{}
			claimed = j.Clone()
			return jobs, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkStarted records the pid of the process running a claimed job
func (t *Table) MarkStarted(ctx context.Context, id, pid int) error {
	return t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		j := find(jobs, id)
		if j == nil {
			return nil, unknownJob(id, jobs)
		}
		j.PID = pid
		return jobs, nil
	})
}

// Finalize moves a job to a terminal state, stamps ftime and clears its pid
func (t *Table) Finalize(ctx context.Context, id int, state types.State) (*types.Job, error) {
	if !state.Terminal() {
		return nil, &ValidationError{Field: "final state", Value: string(state)}
	}

	var done *types.Job
	err := t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		j := find(jobs, id)
		if j == nil {
			return nil, unknownJob(id, jobs)
		}
		j.State = state
		j.PID = 0
		if j.FTime.IsZero() {
			j.FTime = t.now()
		}
		done = j.Clone()
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// SetState sets the state of one job
func (t *Table) SetState(ctx context.Context, id int, state types.State) error {
	if !state.Valid() {
		return &ValidationError{Field: "state", Value: string(state)}
	}
	return t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		j := find(jobs, id)
		if j == nil {
			return nil, unknownJob(id, jobs)
		}
		j.State = state
		return jobs, nil
	})
}

// UpdateJob sets one bookkeeping field (pid, stime, ftime, state) from its
// persisted text form. "---" clears pid, stime and ftime.
func (t *Table) UpdateJob(ctx context.Context, id int, field, value string) error {
	apply, err := bookkeepingSetter(field, value)
	if err != nil {
		return err
	}
	return t.mutate(ctx, func(jobs []*types.Job) ([]*types.Job, error) {
		j := find(jobs, id)
		if j == nil {
			return nil, unknownJob(id, jobs)
		}
		apply(j)
		return jobs, nil
	})
}

func bookkeepingSetter(field, value string) (func(*types.Job), error) {
	invalid := func(err error) error {
		return &ValidationError{Field: field, Value: value, Cause: err}
	}

	switch field {
	case "pid":
		pid, err := parseOptionalInt(value)
		if err != nil || pid < 0 {
			return nil, invalid(err)
		}
		return func(j *types.Job) { j.PID = pid }, nil
	case "stime", "ftime":
		ts, err := parseTime(value)
		if err != nil {
			return nil, invalid(err)
		}
		if field == "stime" {
			return func(j *types.Job) { j.STime = ts }, nil
		}
		return func(j *types.Job) { j.FTime = ts }, nil
	case "state":
		s, err := types.ParseState(value)
		if err != nil {
			return nil, invalid(err)
		}
		return func(j *types.Job) { j.State = s }, nil
	default:
		return nil, &ValidationError{Field: "field", Value: field}
	}
}

// ============================================================================
// Info
// ============================================================================

// Info file-level facts about the table
type Info struct {
	Path     string
	Dir      string
	Exists   bool
	Mode     os.FileMode
	Modified time.Time
	Size     int64
}

// Stat describes the table file
func (t *Table) Stat() (Info, error) {
	info := Info{Path: t.store.path, Dir: filepath.Dir(t.store.path)}
	fi, err := os.Stat(t.store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, errors.Wrap(err, "stat table")
	}
	info.Exists = true
	info.Mode = fi.Mode()
	info.Modified = fi.ModTime()
	info.Size = fi.Size()
	return info, nil
}

// ============================================================================
// helpers
// ============================================================================

func find(jobs []*types.Job, id int) *types.Job {
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// nextID smallest non-negative id not in use
func nextID(jobs []*types.Job) int {
	used := make(map[int]bool, len(jobs))
	for _, j := range jobs {
		used[j.ID] = true
	}
	id := 0
	for used[id] {
		id++
	}
	return id
}
