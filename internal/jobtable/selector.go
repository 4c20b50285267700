package jobtable

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/gpuq/pkg/types"
)

// SelectorKind how pause/resume picks its jobs
type SelectorKind string

const (
	SelectIDs      SelectorKind = "ids"
	SelectPriority SelectorKind = "priority"
	SelectAll      SelectorKind = "all"
)

// Selector one of: an explicit id list, a priority level, or every job
type Selector struct {
	Kind     SelectorKind
	IDs      []int
	Priority types.Priority
}

// ByIDs selects the listed jobs
func ByIDs(ids ...int) Selector {
	return Selector{Kind: SelectIDs, IDs: ids}
}

// ByPriority selects jobs of one priority level
func ByPriority(p types.Priority) Selector {
	return Selector{Kind: SelectPriority, Priority: p}
}

// All selects every job
func All() Selector {
	return Selector{Kind: SelectAll}
}

// ParseSelector builds a selector from CLI arguments: "all", a priority token,
// or a list of ids.
func ParseSelector(args []string) (Selector, error) {
	if len(args) == 0 {
		return Selector{}, &ValidationError{Field: "selector", Value: ""}
	}
	if len(args) == 1 {
		if strings.EqualFold(args[0], string(SelectAll)) {
			return All(), nil
		}
		if _, err := strconv.Atoi(args[0]); err != nil {
			p, err := types.ParsePriority(args[0])
			if err != nil {
				return Selector{}, &ValidationError{Field: "selector", Value: args[0], Cause: err}
			}
			return ByPriority(p), nil
		}
	}

	ids := make([]int, 0, len(args))
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			return Selector{}, &ValidationError{Field: "job id", Value: a, Cause: err}
		}
		ids = append(ids, id)
	}
	return ByIDs(ids...), nil
}

func (s Selector) matches(j *types.Job) bool {
	switch s.Kind {
	case SelectAll:
		return true
	case SelectPriority:
		return j.Priority == s.Priority
	case SelectIDs:
		for _, id := range s.IDs {
			if id == j.ID {
				return true
			}
		}
	}
	return false
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectIDs:
		return fmt.Sprintf("ids %v", s.IDs)
	case SelectPriority:
		return fmt.Sprintf("priority %s", s.Priority)
	default:
		return string(s.Kind)
	}
}
