package sched

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrSwapAborted = errors.New("sched: swap aborted")

// Switcher owns the active scheduler and dispatches through it. Swap is
// atomic: either the successor holds every task and becomes active, or the
// previous scheduler is resumed unchanged.
type Switcher struct {
	mu      sync.Mutex
	active  Scheduler
	current uint32
	running bool
	logger  *slog.Logger
}

func NewSwitcher(initial Scheduler, logger *slog.Logger) *Switcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switcher{active: initial, logger: logger}
}

func (w *Switcher) Active() Scheduler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Switcher) Swap(next Scheduler) error {
	if next == nil {
		return fmt.Errorf("%w: nil scheduler", ErrSwapAborted)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.active
	if next == old {
		return fmt.Errorf("%w: %s is already active", ErrSwapAborted, old.Name())
	}
	if err := next.Init(); err != nil {
		return fmt.Errorf("%w: init %s: %v", ErrSwapAborted, next.Name(), err)
	}
	if err := old.PrepareSwap(); err != nil {
		return fmt.Errorf("%w: prepare %s: %v", ErrSwapAborted, old.Name(), err)
	}

	resume := func(step string, cause error) error {
		if err := old.FinalizeSwap(); err != nil {
			w.logger.Error("sched: resume previous scheduler", "scheduler", old.Name(), "error", err)
		}
		w.logger.Warn("sched: swap aborted", "from", old.Name(), "to", next.Name(), "step", step, "error", cause)
		return fmt.Errorf("%w: %s: %v", ErrSwapAborted, step, cause)
	}

	buf, err := old.State()
	if err != nil {
		return resume("get state", err)
	}
	if err := next.SetState(buf); err != nil {
		return resume("set state", err)
	}
	if err := next.FinalizeSwap(); err != nil {
		return resume("finalize", err)
	}

	w.active = next
	w.logger.Info("sched: scheduler swapped", "from", old.Name(), "to", next.Name(), "tasks", len(next.Tasks()))
	return nil
}

// Dispatch returns the previously running task to Ready, asks the active
// policy for the next task and marks it Running.
func (w *Switcher) Dispatch() (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.active
	if w.running {
		// The task may have blocked, exited or been removed meanwhile.
		for _, t := range s.Tasks() {
			if t.ID == w.current && t.State == Running {
				_ = s.SetTaskState(t.ID, Ready)
			}
		}
		w.running = false
	}

	id, err := s.Schedule(s.Tasks())
	if err != nil {
		return 0, err
	}
	if err := s.SetTaskState(id, Running); err != nil {
		return 0, err
	}
	w.current, w.running = id, true
	return id, nil
}

// Current returns the task marked Running by the last Dispatch.
func (w *Switcher) Current() (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.running
}

func (w *Switcher) AddTask(t Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.AddTask(t)
}

func (w *Switcher) RemoveTask(id uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running && w.current == id {
		w.running = false
	}
	return w.active.RemoveTask(id)
}

func (w *Switcher) SetTaskState(id uint32, s State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.SetTaskState(id, s)
}

func (w *Switcher) Tasks() []Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Tasks()
}
