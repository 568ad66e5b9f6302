// Package sched defines schedulable tasks, the Scheduler contract shared by
// every policy, and the Switcher that replaces the active policy at runtime
// without losing tasks.
package sched

import (
	"fmt"

	"github.com/p-arndt/lughcore/protocol"
)

const (
	MinPriority = 0
	MaxPriority = 10
	MaxTasks    = protocol.MaxTasks
)

type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) valid() bool {
	return s <= Terminated
}

// Task is one schedulable unit. Lower Priority values run first.
type Task struct {
	ID       uint32
	Priority int
	State    State
	Deadline uint64
}

func (t Task) validate() error {
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, t.Priority)
	}
	if !t.State.valid() {
		return fmt.Errorf("%w: task %d", ErrCorruptState, t.ID)
	}
	return nil
}
