package progress

import (
	"errors"
	"sync"
	"time"
)

// ErrTaskTerminal is returned when Complete or Fail is called on a
// tracker that has already reached a terminal state.
var ErrTaskTerminal = errors.New("task already in terminal state")

// SubtaskStatus is the reported state of one subtask.
type SubtaskStatus string

const (
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Tracker wraps one named unit of work bound to a session bus. It
// emits task lifecycle events and reports subtask completion as a
// percentage of the declared subtask list.
type Tracker struct {
	bus   *Bus
	name  string
	owner string

	mu        sync.Mutex
	subtasks  []string
	done      int
	startedAt time.Time
	terminal  bool
}

// NewTracker creates a tracker for a named task owned by a participant.
func NewTracker(bus *Bus, name, owner string) *Tracker {
	return &Tracker{
		bus:   bus,
		name:  name,
		owner: owner,
	}
}

// Name returns the task name.
func (t *Tracker) Name() string {
	return t.name
}

// Start declares the task's subtasks and emits TaskStarted. Starting
// resets the subtask counter; a task may declare zero subtasks and
// still be completed later.
func (t *Tracker) Start(subtasks []string) {
	t.mu.Lock()
	t.subtasks = append([]string(nil), subtasks...)
	t.done = 0
	t.startedAt = time.Now()
	t.mu.Unlock()

	t.bus.Emit(EventTaskStarted, map[string]interface{}{
		"task":     t.name,
		"owner":    t.owner,
		"subtasks": subtasks,
	})
}

// UpdateSubtask reports progress on one subtask. Only a completed
// subtask advances the counter; a failed subtask signals a gap the
// caller must resolve some other way and does not count toward
// completion.
func (t *Tracker) UpdateSubtask(name string, status SubtaskStatus, details string) {
	t.mu.Lock()
	if status == SubtaskCompleted {
		t.done++
	}
	pct := t.subtaskPercentageLocked()
	t.mu.Unlock()

	t.bus.Emit(EventSubtaskUpdated, map[string]interface{}{
		"task":       t.name,
		"owner":      t.owner,
		"subtask":    name,
		"status":     string(status),
		"details":    details,
		"percentage": pct,
	})
}

// subtaskPercentageLocked reports 0 for a zero-subtask task until it
// is explicitly completed.
func (t *Tracker) subtaskPercentageLocked() float64 {
	if len(t.subtasks) == 0 {
		return 0
	}
	pct := 100 * float64(t.done) / float64(len(t.subtasks))
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Complete marks the task finished and emits TaskCompleted with the
// elapsed time. Terminal: a second Complete or Fail returns
// ErrTaskTerminal.
func (t *Tracker) Complete(result interface{}) error {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return ErrTaskTerminal
	}
	t.terminal = true
	elapsed := time.Since(t.startedAt)
	t.mu.Unlock()

	t.bus.Emit(EventTaskCompleted, map[string]interface{}{
		"task":       t.name,
		"owner":      t.owner,
		"result":     result,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return nil
}

// Fail marks the task failed and emits TaskFailed with the elapsed
// time. Terminal in the same way Complete is.
func (t *Tracker) Fail(err error, details string) error {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return ErrTaskTerminal
	}
	t.terminal = true
	elapsed := time.Since(t.startedAt)
	t.mu.Unlock()

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.bus.Emit(EventTaskFailed, map[string]interface{}{
		"task":       t.name,
		"owner":      t.owner,
		"error":      msg,
		"details":    details,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return nil
}

// Terminal reports whether the task has completed or failed.
func (t *Tracker) Terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}
