package jobtable

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpuq/internal/filelock"
	"github.com/ChuLiYu/gpuq/internal/launcher"
	"github.com/ChuLiYu/gpuq/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeClock advances one second on every reading
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestTable(t *testing.T, opts ...Option) *Table {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithLockTimeout(5 * time.Second)}, opts...)
	tbl, err := New(filepath.Join(t.TempDir(), "queue", "jobs.csv"), opts...)
	require.NoError(t, err)
	return tbl
}

func mustAdd(t *testing.T, tbl *Table, owner, prio string) *types.Job {
	t.Helper()
	j, err := tbl.Add(context.Background(), AddRequest{Command: "echo " + prio, Priority: prio, Owner: owner})
	require.NoError(t, err)
	return j
}

func ids(jobs []*types.Job) []int {
	out := make([]int, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

// ============================================================================
// Client operations
// ============================================================================

func TestReadEmptyTable(t *testing.T) {
	tbl := newTestTable(t)

	jobs, err := tbl.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	info, err := tbl.Stat()
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestAdd(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	j, err := tbl.Add(ctx, AddRequest{
		Command: "python train.py", Priority: "high", GPUMem: 4096,
		Owner: "alice", EnvPath: "/envs/torch/bin/python", WorkingDir: "/home/alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, j.ID)
	assert.Equal(t, types.StateWaiting, j.State)
	assert.Equal(t, types.PriorityHigh, j.Priority)
	assert.False(t, j.CTime.IsZero())
	assert.Zero(t, j.PID)
	assert.True(t, j.STime.IsZero())
	assert.True(t, j.FTime.IsZero())

	got, err := tbl.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, j, got)

	info, err := tbl.Stat()
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, os.FileMode(0666), info.Mode.Perm())
}

func TestAddRejectsBadPriority(t *testing.T) {
	tbl := newTestTable(t)

	_, err := tbl.Add(context.Background(), AddRequest{Command: "ls", Priority: "asap", Owner: "alice"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "priority", verr.Field)
	assert.ErrorIs(t, err, types.ErrInvalidPriority)

	jobs, err := tbl.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAddReusesLowestFreeID(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		mustAdd(t, tbl, "alice", "low")
	}
	n, err := tbl.Remove(ctx, "alice", []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 1, mustAdd(t, tbl, "alice", "low").ID)
	assert.Equal(t, 2, mustAdd(t, tbl, "alice", "low").ID)
	assert.Equal(t, 4, mustAdd(t, tbl, "alice", "low").ID)
}

func TestConcurrentAddAssignsUniqueIDs(t *testing.T) {
	tbl := newTestTable(t)
	const n = 20

	var wg sync.WaitGroup
	got := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := tbl.Add(context.Background(), AddRequest{Command: "true", Priority: "normal", Owner: "alice"})
			if assert.NoError(t, err) {
				got[i] = j.ID
			}
		}(i)
	}
	wg.Wait()

	sort.Ints(got)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestUpdate(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")

	j, err := tbl.Update(ctx, "alice", 0, "priority", "urgent")
	require.NoError(t, err)
	assert.Equal(t, types.PriorityUrgent, j.Priority)

	j, err = tbl.Update(ctx, "alice", 0, "gpu_mem", "1024")
	require.NoError(t, err)
	assert.Equal(t, 1024, j.GPUMem)

	j, err = tbl.Update(ctx, "alice", 0, "command", "sleep 1")
	require.NoError(t, err)
	assert.Equal(t, "sleep 1", j.Command)

	_, err = tbl.Update(ctx, "alice", 0, "user", "bob")
	var aerr *InvalidAttributeError
	assert.ErrorAs(t, err, &aerr)

	_, err = tbl.Update(ctx, "alice", 0, "gpu_mem", "-5")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = tbl.Update(ctx, "alice", 9, "priority", "low")
	var uerr *UnknownJobError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, []int{0}, uerr.Known)
}

func TestUpdateByNonOwnerLeavesTableUnchanged(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		mustAdd(t, tbl, "alice", "low")
	}

	before, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)

	_, err = tbl.Update(ctx, "mallory", 5, "priority", "urgent")
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "alice", perr.Owner)

	after, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveOnlyOwnJobs(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")
	mustAdd(t, tbl, "bob", "low")

	n, err := tbl.Remove(ctx, "alice", []int{0, 1, 7})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := tbl.Read(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "bob", jobs[0].User)
}

func TestUpdateByAdmin(t *testing.T) {
	tbl := newTestTable(t, WithAdmins("root"))
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")

	j, err := tbl.Update(ctx, "root", 0, "priority", "urgent")
	require.NoError(t, err)
	assert.Equal(t, types.PriorityUrgent, j.Priority)
	assert.Equal(t, "alice", j.User, "owner is kept")

	_, err = tbl.Update(ctx, "bob", 0, "priority", "low")
	var perr *PermissionError
	assert.ErrorAs(t, err, &perr)
}

func TestRemoveByAdmin(t *testing.T) {
	tbl := newTestTable(t, WithAdmins("root"))
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")
	mustAdd(t, tbl, "bob", "low")
	mustAdd(t, tbl, "carol", "low")

	n, err := tbl.Remove(ctx, "root", []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := tbl.Read(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "carol", jobs[0].User)
}

func TestPauseResume(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")  // 0
	mustAdd(t, tbl, "alice", "high") // 1
	mustAdd(t, tbl, "bob", "high")   // 2
	mustAdd(t, tbl, "bob", "urgent") // 3

	// a RUNNING job is never paused
	claimed, err := tbl.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, claimed.ID)

	paused, err := tbl.Pause(ctx, ByPriority(types.PriorityHigh))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, paused)

	paused, err = tbl.Pause(ctx, ByIDs(0, 3, 42))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, paused)

	resumed, err := tbl.Resume(ctx, ByIDs(1))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, resumed)

	resumed, err = tbl.Resume(ctx, All())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 2}, resumed)

	waiting, err := tbl.ListState(ctx, types.StateWaiting)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2}, ids(waiting))
}

func TestClear(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")
	mustAdd(t, tbl, "bob", "high")

	n, err := tbl.Clear(ctx, false)
	assert.ErrorIs(t, err, ErrClearNotConfirmed)
	assert.Zero(t, n)
	jobs, err := tbl.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	n, err = tbl.Clear(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	jobs, err = tbl.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClearState(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")
	mustAdd(t, tbl, "alice", "high")
	require.NoError(t, tbl.SetState(ctx, 0, types.StateError))

	n, err := tbl.ClearState(ctx, types.StateError)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := tbl.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids(jobs))

	_, err = tbl.ClearState(ctx, types.State("LOST"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRetry(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")
	mustAdd(t, tbl, "bob", "low")

	for i := 0; i < 2; i++ {
		j, err := tbl.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, tbl.MarkStarted(ctx, j.ID, 100+j.ID))
		_, err = tbl.Finalize(ctx, j.ID, types.StateError)
		require.NoError(t, err)
	}

	retried, err := tbl.Retry(ctx, "alice", []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, retried)

	j, err := tbl.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StateWaiting, j.State)
	assert.True(t, j.STime.IsZero())
	assert.True(t, j.FTime.IsZero())
	assert.Zero(t, j.PID)
}

func TestRunningJob(t *testing.T) {
	tbl := newTestTable(t, WithAdmins("root"))
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")

	var nerr *NotRunningError
	_, err := tbl.RunningJob(ctx, "alice", 0)
	assert.ErrorAs(t, err, &nerr)

	_, err = tbl.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = tbl.RunningJob(ctx, "alice", 0)
	assert.ErrorAs(t, err, &nerr, "no pid recorded yet")

	require.NoError(t, tbl.MarkStarted(ctx, 0, 777))

	j, err := tbl.RunningJob(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Equal(t, 777, j.PID)

	_, err = tbl.RunningJob(ctx, "root", 0)
	assert.NoError(t, err)

	var perr *PermissionError
	_, err = tbl.RunningJob(ctx, "bob", 0)
	assert.ErrorAs(t, err, &perr)
}

// ============================================================================
// Worker operations
// ============================================================================

func TestClaimNextEmpty(t *testing.T) {
	tbl := newTestTable(t)

	j, err := tbl.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimNextOrder(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")
	mustAdd(t, tbl, "alice", "urgent")
	mustAdd(t, tbl, "alice", "high")
	mustAdd(t, tbl, "alice", "high")

	var got []int
	for {
		j, err := tbl.ClaimNext(ctx)
		require.NoError(t, err)
		if j == nil {
			break
		}
		assert.Equal(t, types.StateRunning, j.State)
		assert.False(t, j.STime.IsZero())
		got = append(got, j.ID)
	}
	// urgent, then the two highs oldest first, then low
	assert.Equal(t, []int{1, 2, 3, 0}, got)
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	tbl := newTestTable(t)
	const n = 12
	for i := 0; i < n; i++ {
		mustAdd(t, tbl, "alice", "normal")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each worker opens the table on its own, as separate processes do
			own, err := New(tbl.Path(), WithLockTimeout(10*time.Second))
			if !assert.NoError(t, err) {
				return
			}
			j, err := own.ClaimNext(context.Background())
			if assert.NoError(t, err) && assert.NotNil(t, j) {
				mu.Lock()
				claimed = append(claimed, j.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Ints(claimed)
	require.Len(t, claimed, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, claimed[i])
	}

	waiting, err := tbl.ListState(context.Background(), types.StateWaiting)
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestLifecycleStamps(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "urgent")

	j, err := tbl.ClaimNext(ctx)
	require.NoError(t, err)
	stime := j.STime

	require.NoError(t, tbl.MarkStarted(ctx, j.ID, 31337))
	running, err := tbl.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 31337, running.PID)
	assert.True(t, running.STime.Equal(stime), "stime is kept from claim")

	done, err := tbl.Finalize(ctx, j.ID, types.StateFinished)
	require.NoError(t, err)
	assert.Equal(t, types.StateFinished, done.State)
	assert.Zero(t, done.PID)
	assert.False(t, done.FTime.IsZero())

	// ftime is set once
	again, err := tbl.Finalize(ctx, j.ID, types.StateError)
	require.NoError(t, err)
	assert.True(t, again.FTime.Equal(done.FTime))

	_, err = tbl.Finalize(ctx, j.ID, types.StateWaiting)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestMarkStartedLeavesSTimeToClaim(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	j := mustAdd(t, tbl, "alice", "low")

	require.NoError(t, tbl.MarkStarted(ctx, j.ID, 31337))
	got, err := tbl.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 31337, got.PID)
	assert.True(t, got.STime.IsZero(), "only a claim stamps stime")
}

func TestSetStateAndUpdateJob(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")

	var uerr *UnknownJobError
	assert.ErrorAs(t, tbl.SetState(ctx, 3, types.StatePaused), &uerr)
	assert.ErrorAs(t, tbl.UpdateJob(ctx, 3, "pid", "10"), &uerr)

	require.NoError(t, tbl.UpdateJob(ctx, 0, "pid", "10"))
	require.NoError(t, tbl.UpdateJob(ctx, 0, "stime", "2024-05-01T10:00:00Z"))
	require.NoError(t, tbl.UpdateJob(ctx, 0, "state", "processing"))

	j, err := tbl.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, j.PID)
	assert.Equal(t, types.StateRunning, j.State)
	assert.True(t, j.STime.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	require.NoError(t, tbl.UpdateJob(ctx, 0, "pid", "---"))
	j, err = tbl.Get(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, j.PID)

	var verr *ValidationError
	assert.ErrorAs(t, tbl.UpdateJob(ctx, 0, "command", "rm -rf /"), &verr)
	assert.ErrorAs(t, tbl.UpdateJob(ctx, 0, "stime", "yesterday"), &verr)
}

func TestWriteReadRoundTripIsIdempotent(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()
	mustAdd(t, tbl, "alice", "low")
	mustAdd(t, tbl, "bob", "urgent")
	mustAdd(t, tbl, "carol", "high")
	_, err := tbl.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = tbl.Finalize(ctx, 1, types.StateFinished)
	require.NoError(t, err)

	before, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)

	jobs, err := tbl.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, tbl.Write(ctx, jobs))

	after, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestLockTimeout(t *testing.T) {
	tbl := newTestTable(t, WithLockTimeout(50*time.Millisecond))

	err := tbl.lock.With(context.Background(), func() error {
		other, err := New(tbl.Path(), WithLockTimeout(50*time.Millisecond))
		require.NoError(t, err)
		_, err = other.ClaimNext(context.Background())
		return err
	})
	assert.ErrorIs(t, err, filelock.ErrLockTimeout)
}

// TestNextIDProperty checks ids are the smallest non-negative integers not in use
func TestNextIDProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("nextID is the minimum free id", prop.ForAll(
		func(used []int) bool {
			jobs := make([]*types.Job, 0, len(used))
			seen := map[int]bool{}
			for _, id := range used {
				seen[id] = true
				jobs = append(jobs, &types.Job{ID: id})
			}
			got := nextID(jobs)
			if seen[got] || got < 0 {
				return false
			}
			for i := 0; i < got; i++ {
				if !seen[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}

// ============================================================================
// Sharing between local users
// ============================================================================

func TestNewSharesTableDir(t *testing.T) {
	tbl := newTestTable(t)

	fi, err := os.Stat(filepath.Dir(tbl.Path()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filelock.SharedDirMode), fi.Mode().Perm())
	assert.Zero(t, fi.Mode()&os.ModeSticky)
}

func TestOtherUserCanReplaceTable(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("switching users needs root")
	}
	nobody, err := user.Lookup("nobody")
	if err != nil {
		t.Skip("no nobody user on this host")
	}

	// t.TempDir parents are 0700, which nobody cannot traverse
	base, err := os.MkdirTemp("", "gpuq-shared-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(base) })
	require.NoError(t, os.Chmod(base, 0755))

	tbl, err := New(filepath.Join(base, "gpuq", "jobs.csv"))
	require.NoError(t, err)
	mustAdd(t, tbl, "root", "low")

	// the same temp-file-then-rename a save by that user performs
	dir := filepath.Dir(tbl.Path())
	script := "printf replaced > " + dir + "/jobs.csv.tmp-other && mv " + dir + "/jobs.csv.tmp-other " + tbl.Path()
	h, err := launcher.New().Start(launcher.Request{Command: script, User: nobody.Username, WorkingDir: "/"})
	require.NoError(t, err)
	code, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	raw, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(raw))
}
