package sched

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrIdle            = errors.New("sched: no ready task")
	ErrDuplicateTask   = errors.New("sched: duplicate task id")
	ErrTaskNotFound    = errors.New("sched: task not found")
	ErrTableFull       = errors.New("sched: task table full")
	ErrInvalidPriority = errors.New("sched: priority out of range")
	ErrQuiesced        = errors.New("sched: scheduler quiesced for swap")
	ErrCorruptState    = errors.New("sched: corrupt state buffer")
	ErrUnknownPolicy   = errors.New("sched: unknown policy")
)

// Scheduler is implemented by every policy. Schedule picks among the given
// tasks; the remaining methods manage the policy's own task table and the
// swap protocol: PrepareSwap, State, SetState on the successor, FinalizeSwap.
type Scheduler interface {
	Name() string
	Init() error
	Schedule(tasks []Task) (uint32, error)
	AddTask(t Task) error
	RemoveTask(id uint32) error
	SetTaskState(id uint32, s State) error
	Tasks() []Task
	State() ([]byte, error)
	SetState(buf []byte) error
	PrepareSwap() error
	FinalizeSwap() error
}

const (
	PolicyRoundRobin = "round_robin"
	PolicyPriority   = "priority"
)

// New returns an initialized scheduler for policy.
func New(policy string) (Scheduler, error) {
	var s Scheduler
	switch policy {
	case PolicyRoundRobin:
		s = NewRoundRobin()
	case PolicyPriority:
		s = NewPriority()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// table is the task table and swap phase shared by the policies.
type table struct {
	mu       sync.Mutex
	tasks    []Task
	quiesced bool
}

func (t *table) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = t.tasks[:0]
	t.quiesced = false
	return nil
}

func (t *table) AddTask(task Task) error {
	if err := task.validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.quiesced {
		return ErrQuiesced
	}
	if len(t.tasks) >= MaxTasks {
		return ErrTableFull
	}
	if t.indexOf(task.ID) >= 0 {
		return fmt.Errorf("%w: %d", ErrDuplicateTask, task.ID)
	}
	t.tasks = append(t.tasks, task)
	return nil
}

func (t *table) RemoveTask(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.quiesced {
		return ErrQuiesced
	}
	i := t.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	t.tasks = append(t.tasks[:i], t.tasks[i+1:]...)
	return nil
}

func (t *table) SetTaskState(id uint32, s State) error {
	if !s.valid() {
		return fmt.Errorf("%w: %v", ErrCorruptState, s)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.quiesced {
		return ErrQuiesced
	}
	i := t.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	t.tasks[i].State = s
	return nil
}

func (t *table) Tasks() []Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Task, len(t.tasks))
	copy(out, t.tasks)
	return out
}

func (t *table) State() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return encodeState(t.tasks), nil
}

func (t *table) SetState(buf []byte) error {
	tasks, err := decodeState(buf)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.quiesced {
		return ErrQuiesced
	}
	t.tasks = tasks
	return nil
}

func (t *table) PrepareSwap() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.quiesced {
		return ErrQuiesced
	}
	t.quiesced = true
	return nil
}

func (t *table) FinalizeSwap() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quiesced = false
	return nil
}

func (t *table) isQuiesced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quiesced
}

// indexOf must be called with mu held.
func (t *table) indexOf(id uint32) int {
	for i := range t.tasks {
		if t.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// RoundRobin picks the first ready task after the one it picked last,
// wrapping around the task list.
type RoundRobin struct {
	table
	cursorMu sync.Mutex
	last     uint32
	hasLast  bool
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Name() string { return PolicyRoundRobin }

func (r *RoundRobin) Init() error {
	r.cursorMu.Lock()
	r.hasLast = false
	r.cursorMu.Unlock()
	return r.table.Init()
}

func (r *RoundRobin) Schedule(tasks []Task) (uint32, error) {
	if r.isQuiesced() {
		return 0, ErrQuiesced
	}

	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()

	n := len(tasks)
	start := 0
	if r.hasLast {
		for i := range tasks {
			if tasks[i].ID == r.last {
				start = i + 1
				break
			}
		}
	}
	for k := 0; k < n; k++ {
		t := tasks[(start+k)%n]
		if t.State == Ready {
			r.last, r.hasLast = t.ID, true
			return t.ID, nil
		}
	}
	return 0, ErrIdle
}

// Priority picks the ready task with the lowest priority value; ties go to
// the task that appears first.
type Priority struct {
	table
}

func NewPriority() *Priority {
	return &Priority{}
}

func (p *Priority) Name() string { return PolicyPriority }

func (p *Priority) Schedule(tasks []Task) (uint32, error) {
	if p.isQuiesced() {
		return 0, ErrQuiesced
	}
	best := -1
	bestPrio := MaxPriority + 1
	for i := range tasks {
		if tasks[i].State == Ready && tasks[i].Priority < bestPrio {
			bestPrio = tasks[i].Priority
			best = i
		}
	}
	if best < 0 {
		return 0, ErrIdle
	}
	return tasks[best].ID, nil
}
