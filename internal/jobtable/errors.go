package jobtable

// ============================================================================
// Job Table Error Definitions
// Purpose: Errors reported to callers; none of them leave the table mutated
// ============================================================================

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/gpuq/pkg/types"
)

var (
	// ErrClearNotConfirmed clear was called without confirmation, nothing was removed
	ErrClearNotConfirmed = errors.New("aborting clear: re-run with confirmation (-y/--yes) to remove all jobs")

	// ErrCorruptedTable the persisted file could not be parsed
	ErrCorruptedTable = errors.New("jobs table is corrupted")
)

// ValidationError a token (priority, state, field value) was not recognized
type ValidationError struct {
	Field string
	Value string
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Cause)
	}
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// InvalidAttributeError the attribute cannot be changed through update
type InvalidAttributeError struct {
	Attribute string
}

func (e *InvalidAttributeError) Error() string {
	return fmt.Sprintf("job has no attribute or can't update attribute=%s (mutable: priority, command, gpu_mem)", e.Attribute)
}

// PermissionError caller tried to mutate a job owned by another user
type PermissionError struct {
	Caller string
	Owner  string
	JobID  int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s not allowed to modify job %d: job belongs to %s", e.Caller, e.JobID, e.Owner)
}

// UnknownJobError the id is not present in the table
type UnknownJobError struct {
	JobID int
	Known []int
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("the id=%d is not a valid job id, expected one of %v", e.JobID, e.Known)
}

// NotRunningError the job has no live process to act on
type NotRunningError struct {
	JobID int
	State types.State
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("job %d is %s, not running", e.JobID, e.State)
}

func unknownJob(id int, jobs []*types.Job) error {
	known := make([]int, 0, len(jobs))
	for _, j := range jobs {
		known = append(known, j.ID)
	}
	return &UnknownJobError{JobID: id, Known: known}
}
