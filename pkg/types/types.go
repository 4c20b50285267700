// Package types defines the core domain model shared by the gpuq table, worker and CLI.
package types

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidPriority is returned when a priority token is not recognized
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrInvalidState is returned when a state token is not recognized
	ErrInvalidState = errors.New("invalid state")
)

// ============================================================================
// Priority
// ============================================================================

// Priority job priority, higher values are scheduled first
type Priority int

const (
	PriorityLow    Priority = 1 // background work
	PriorityNormal Priority = 2 // default
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4

	// PriorityMedium is an alias of PriorityNormal
	PriorityMedium = PriorityNormal
)

var priorityNames = map[Priority]string{
	PriorityLow:    "LOW",
	PriorityNormal: "NORMAL",
	PriorityHigh:   "HIGH",
	PriorityUrgent: "URGENT",
}

var priorityTokens = map[string]Priority{
	"LOW":    PriorityLow,
	"NORMAL": PriorityNormal,
	"MEDIUM": PriorityMedium,
	"HIGH":   PriorityHigh,
	"URGENT": PriorityUrgent,
}

// Priorities returns every priority from highest to lowest
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Valid reports whether p is one of the defined priorities
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts a name (low, normal, medium, high, urgent, any case)
// or its decimal value (1-4).
func ParsePriority(token string) (Priority, error) {
	token = strings.TrimSpace(token)
	if n, err := strconv.Atoi(token); err == nil {
		p := Priority(n)
		if !p.Valid() {
			return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, token)
		}
		return p, nil
	}
	if p, ok := priorityTokens[strings.ToUpper(token)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, token)
}

// ============================================================================
// State
// ============================================================================

// State job lifecycle state
//
//	WAITING -> RUNNING -> FINISHED | ERROR
//	WAITING <-> PAUSED
type State string

const (
	StateRunning  State = "RUNNING"  // claimed by a worker
	StateWaiting  State = "WAITING"  // eligible for claim
	StatePaused   State = "PAUSED"   // held back by a user
	StateFinished State = "FINISHED" // exited with code 0
	StateError    State = "ERROR"    // non-zero exit, interruption or admission failure
)

// stateRank is the display and scheduling order of states
var stateRank = map[State]int{
	StateRunning:  0,
	StateWaiting:  1,
	StatePaused:   2,
	StateFinished: 3,
	StateError:    4,
}

var stateAliases = map[string]State{
	"PROCESSING": StateRunning,
	"DONE":       StateFinished,
}

// States returns every state in rank order
func States() []State {
	return []State{StateRunning, StateWaiting, StatePaused, StateFinished, StateError}
}

// Rank position of s in the canonical ordering, unknown states sort last
func (s State) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return len(stateRank)
}

// Valid reports whether s is one of the defined states
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal reports whether no further transition is expected
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError
}

// ParseState accepts a state name in any case, plus PROCESSING and DONE aliases.
func ParseState(token string) (State, error) {
	upper := strings.ToUpper(strings.TrimSpace(token))
	if s := State(upper); s.Valid() {
		return s, nil
	}
	if s, ok := stateAliases[upper]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, token)
}

// ============================================================================
// Job Record
// ============================================================================

// Job one submitted shell command and its runtime state.
// Zero PID, STime and FTime mean "not set".
type Job struct {
	PID        int       `json:"pid"`
	ID         int       `json:"id"`
	User       string    `json:"user"`
	Command    string    `json:"command"`
	Priority   Priority  `json:"priority"`
	GPUMem     int       `json:"gpu_mem"` // MB, 0 for CPU-only
	State      State     `json:"state"`
	CTime      time.Time `json:"ctime"`
	STime      time.Time `json:"stime"`
	FTime      time.Time `json:"ftime"`
	EnvPath    string    `json:"env_path"`
	WorkingDir string    `json:"working_dir"`
}

// Clone returns a copy that shares nothing with j
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// Less reports whether a is scheduled (and displayed) before b: state rank
// ascending, priority descending, then oldest ctime first. Ids break exact ties.
func Less(a, b *Job) bool {
	if ra, rb := a.State.Rank(), b.State.Rank(); ra != rb {
		return ra < rb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CTime.Equal(b.CTime) {
		return a.CTime.Before(b.CTime)
	}
	return a.ID < b.ID
}

// Sort orders jobs in place with Less
func Sort(jobs []*Job) {
	sort.SliceStable(jobs, func(i, k int) bool { return Less(jobs[i], jobs[k]) })
}

// Repr renders the job for logs and terminal output. Level controls detail:
// negative prints everything, 0 is compact, higher levels show the user and
// allow up to 30*level characters of the command.
func (j *Job) Repr(level int) string {
	switch {
	case level < 0:
		return fmt.Sprintf("Job(id=%d, user=%s, command=%q, priority=%s, gpu_mem=%d, state=%s, timestamp=%s)",
			j.ID, j.User, j.Command, j.Priority, j.GPUMem, j.State, j.CTime.Format(time.RFC3339Nano))
	case level == 0:
		return fmt.Sprintf("Job(id=%d, priority=%d, state=%s, timestamp=%s)",
			j.ID, int(j.Priority), j.State, j.CTime.Format("01/02-15:04"))
	case level == 1:
		return fmt.Sprintf("Job(id=%d, command=%q, priority=%s, gpu_mem=%d, state=%s, timestamp=%s)",
			j.ID, TruncateCommand(j.Command, level), j.Priority, j.GPUMem, j.State, j.CTime.Format("01/02-15:04"))
	default:
		return fmt.Sprintf("Job(id=%d, user=%s, command=%q, priority=%s, gpu_mem=%d, state=%s, timestamp=%s)",
			j.ID, j.User, TruncateCommand(j.Command, level), j.Priority, j.GPUMem, j.State, j.CTime.Format("01/02/2006-15:04:05"))
	}
}

// TruncateCommand cuts cmd to 30*level characters, marking the cut with "[...]"
func TruncateCommand(cmd string, level int) string {
	if level < 0 {
		return cmd
	}
	limit := 30 * level
	runes := []rune(cmd)
	if len(runes) <= limit {
		return cmd
	}
	return string(runes[:limit]) + "[...]"
}
